package govna

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	require := require.New(t)

	payloads := [][]byte{
		{},
		{0x42},
		{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
		make([]byte, MaxFramePayload),
	}
	for _, payload := range payloads {
		frame, err := EncodeWriteFrame(0x1234, payload)
		require.NoError(err)

		decoder := NewFrameDecoder()
		decoder.Feed(frame)
		decoded, err := decoder.Next()
		require.NoError(err)
		require.NotNil(decoded)
		require.Equal(opWrite, decoded.Opcode)
		require.Equal(uint16(0x1234), decoded.Address)
		require.Equal(payload, decoded.Payload)
		require.Zero(decoder.Pending())
	}
}

func TestEncodeReadFrame(t *testing.T) {
	require := require.New(t)

	frame := EncodeReadFrame(0x00f0, 1)
	// опкод, адрес LE, длина нагрузки, запрошенный размер, сумма
	require.Equal([]byte{0x10, 0xf0, 0x00, 0x01, 0x01, 0x02}, frame)
	require.Equal(frame[len(frame)-1], frameChecksum(frame[:len(frame)-1]))
}

func TestEncodeWriteFrame_PayloadTooLarge(t *testing.T) {
	_, err := EncodeWriteFrame(0x0000, make([]byte, MaxFramePayload+1))
	require.Error(t, err)
}

// Одно чтение транспорта не обязано совпадать с границей кадра: кадр
// собирается из побайтовой подачи.
func TestFrameDecoder_PartialReads(t *testing.T) {
	require := require.New(t)

	frame, err := EncodeWriteFrame(0x0030, []byte{0xaa, 0xbb, 0xcc})
	require.NoError(err)

	decoder := NewFrameDecoder()
	for i, b := range frame {
		decoder.Feed([]byte{b})
		decoded, err := decoder.Next()
		require.NoError(err)
		if i < len(frame)-1 {
			require.Nil(decoded, "кадр не должен быть готов после байта %d", i)
		} else {
			require.NotNil(decoded)
			require.Equal([]byte{0xaa, 0xbb, 0xcc}, decoded.Payload)
		}
	}
}

// Инверсия одного бита в адресе, нагрузке или контрольной сумме кадра
// детерминированно обнаруживается проверкой суммы. Байт опкода и байт длины
// исключены: их порча меняет разметку кадра, а не сумму.
func TestFrameDecoder_SingleBitFlipDetected(t *testing.T) {
	frame, err := EncodeWriteFrame(0x1234, []byte{0x41, 0x42, 0x43})
	require.NoError(t, err)

	for pos := 1; pos < len(frame); pos++ {
		if pos == 3 {
			continue // байт длины
		}
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), frame...)
			corrupted[pos] ^= 1 << bit

			decoder := NewFrameDecoder()
			decoder.Feed(corrupted)
			decoded, err := decoder.Next()
			require.Nil(t, decoded, "позиция %d бит %d", pos, bit)
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr, "позиция %d бит %d", pos, bit)
			require.Equal(t, ReasonChecksumMismatch, protoErr.Reason)
		}
	}
}

// После сбоя контрольной суммы декодер отбрасывает байты до следующего
// правдоподобного опкода и продолжает разбор потока.
func TestFrameDecoder_ResyncAfterChecksumMismatch(t *testing.T) {
	require := require.New(t)

	corrupted := dataFrame(0xaaaa, []byte{0x41, 0x42})
	corrupted[5] ^= 0x01 // порча байта нагрузки

	good := dataFrame(0x0030, []byte{0x01, 0x02, 0x03, 0x04})

	decoder := NewFrameDecoder()
	decoder.Feed([]byte{0xde, 0xad}) // мусор до кадра
	decoder.Feed(corrupted)
	decoder.Feed(good)

	decoded, err := decoder.Next()
	require.Nil(decoded)
	var protoErr *ProtocolError
	require.ErrorAs(err, &protoErr)
	require.Equal(ReasonChecksumMismatch, protoErr.Reason)

	decoded, err = decoder.Next()
	require.NoError(err)
	require.NotNil(decoded)
	require.Equal(uint16(0x0030), decoded.Address)
	require.Equal([]byte{0x01, 0x02, 0x03, 0x04}, decoded.Payload)
}

func TestFrameDecoder_Reset(t *testing.T) {
	require := require.New(t)

	decoder := NewFrameDecoder()
	decoder.Feed([]byte{opData, 0x30, 0x00}) // середина кадра
	decoder.Reset()
	require.Zero(decoder.Pending())

	decoder.Feed(dataFrame(0x0030, []byte{0x07}))
	decoded, err := decoder.Next()
	require.NoError(err)
	require.NotNil(decoded)
	require.Equal([]byte{0x07}, decoded.Payload)
}

func TestDecodeComplexSamples_Float32(t *testing.T) {
	require := require.New(t)

	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:4], math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(payload[4:8], math.Float32bits(-0.5))
	binary.LittleEndian.PutUint32(payload[8:12], math.Float32bits(0.1))
	binary.LittleEndian.PutUint32(payload[12:16], math.Float32bits(-0.1))

	samples, err := DecodeComplexSamples(payload, SampleFloat32)
	require.NoError(err)
	require.Len(samples, 2)
	require.Equal(complex(0.5, -0.5), samples[0])
	require.InDelta(0.1, real(samples[1]), 1e-7)
	require.InDelta(-0.1, imag(samples[1]), 1e-7)
}

func TestDecodeComplexSamples_Q15(t *testing.T) {
	require := require.New(t)

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(16384))  // 0.5
	binary.LittleEndian.PutUint16(payload[2:4], 0x8000)         // -1.0

	samples, err := DecodeComplexSamples(payload, SampleFixedQ15)
	require.NoError(err)
	require.Len(samples, 1)
	require.Equal(complex(0.5, -1.0), samples[0])
}

func TestDecodeComplexSamples_BadLength(t *testing.T) {
	_, err := DecodeComplexSamples(make([]byte, 7), SampleFloat32)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, ReasonShortResponse, protoErr.Reason)
}
