package govna

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestV1Codec_EncodeCommands(t *testing.T) {
	require := require.New(t)
	var codec V1Codec

	require.Equal("sweep 1000000 900000000 101\n", string(codec.EncodeSweepCommand(1_000_000, 900_000_000, 101)))
	require.Equal("data\n", string(codec.EncodeScanCommand()))
	require.Equal("version\n", string(codec.EncodeVersionCommand()))
}

// Числа в фиксированной и экспоненциальной записи должны давать одинаковые
// значения.
func TestV1Codec_DecodeNumericFormats(t *testing.T) {
	require := require.New(t)
	var codec V1Codec

	fixed, done, err := codec.DecodeResponseLine("1230000000 0.5 -0.5 0.1 -0.1\n")
	require.NoError(err)
	require.False(done)

	scientific, done, err := codec.DecodeResponseLine("1.23e9 5e-1 -5e-1 1e-1 -1e-1\n")
	require.NoError(err)
	require.False(done)

	require.Equal(uint64(1_230_000_000), fixed.Frequency)
	require.Equal(fixed.Frequency, scientific.Frequency)
	require.InDelta(real(fixed.S11), real(scientific.S11), 1e-12)
	require.InDelta(imag(fixed.S11), imag(scientific.S11), 1e-12)
	require.InDelta(real(fixed.S21), real(scientific.S21), 1e-12)
	require.InDelta(imag(fixed.S21), imag(scientific.S21), 1e-12)
}

// Частоты до десятков ГГц разбираются без потери точности.
func TestV1Codec_DecodeHighFrequency(t *testing.T) {
	require := require.New(t)
	var codec V1Codec

	point, done, err := codec.DecodeResponseLine("44000000001 0 0 0 0\n")
	require.NoError(err)
	require.False(done)
	require.Equal(uint64(44_000_000_001), point.Frequency)
}

func TestV1Codec_DecodeMalformed(t *testing.T) {
	tests := []struct {
		desc string
		line string
	}{
		{desc: "мало полей", line: "1000000 0.5 -0.5\n"},
		{desc: "нечисловое поле", line: "1000000 abc -0.5 0.1 -0.1\n"},
		{desc: "отрицательная частота", line: "-1000000 0.5 -0.5 0.1 -0.1\n"},
		{desc: "пустая строка", line: "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			var codec V1Codec
			_, done, err := codec.DecodeResponseLine(tt.line)
			require.False(t, done)
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			require.Equal(t, ReasonMalformedLine, protoErr.Reason)
		})
	}
}

// Приглашение оболочки и эхо команды завершают свип.
func TestV1Codec_DecodeEndOfSweep(t *testing.T) {
	require := require.New(t)
	var codec V1Codec

	for _, line := range []string{"ch> ", "ch>\n", "data\n"} {
		_, done, err := codec.DecodeResponseLine(line)
		require.NoError(err, "строка %q", line)
		require.True(done, "строка %q", line)
	}
}

func TestV1Driver_RegistersUnsupported(t *testing.T) {
	require := require.New(t)
	drv := NewV1Driver(&scriptedPort{}, DefaultReadTimeout)

	_, err := drv.ReadRegister(t.Context(), 0x0010, 4)
	require.True(errors.Is(err, ErrUnsupportedOperation))
	require.True(errors.Is(drv.WriteRegister(t.Context(), 0x0010, []byte{1}), ErrUnsupportedOperation))
}
