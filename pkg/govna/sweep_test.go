package govna

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSweepConfig_Validate(t *testing.T) {
	require := require.New(t)

	require.NoError(SweepConfig{Start: 50_000, Stop: 900_000_000, Points: 101}.Validate())

	cases := []SweepConfig{
		{Start: 2_000_000, Stop: 1_000_000, Points: 11},   // start >= stop
		{Start: 1_000_000, Stop: 1_000_000, Points: 11},   // нулевой диапазон
		{Start: 1_000_000, Stop: 2_000_000, Points: 1},    // слишком мало точек
		{Start: 1_000_000, Stop: 2_000_000, Points: MaxSweepPoints + 1},
		{Start: 1_000_000, Stop: 1_000_005, Points: 11},   // сетка плотнее герца
	}
	for _, cfg := range cases {
		require.Error(cfg.Validate())
	}
}

// Сетка строго возрастает, а крайние частоты совпадают с запрошенными даже
// при неделящемся нацело диапазоне.
func TestSweepConfig_FrequencyAt(t *testing.T) {
	require := require.New(t)

	cfg := SweepConfig{Start: 1_000_000, Stop: 2_000_003, Points: 7}
	require.NoError(cfg.Validate())

	require.Equal(cfg.Start, cfg.FrequencyAt(0))
	require.Equal(cfg.Stop, cfg.FrequencyAt(cfg.Points-1))
	for i := 1; i < cfg.Points; i++ {
		require.Greater(cfg.FrequencyAt(i), cfg.FrequencyAt(i-1))
	}
}

func TestSweep_Validate(t *testing.T) {
	require := require.New(t)

	cfg := SweepConfig{Start: 1_000_000, Stop: 2_000_000, Points: 3}
	sweep := &Sweep{Points: []FrequencyPoint{
		{Frequency: 1_000_000}, {Frequency: 1_500_000}, {Frequency: 2_000_000},
	}}
	require.NoError(sweep.Validate(cfg))

	// Неполный свип, немонотонная сетка, непокрытый диапазон.
	require.Error((&Sweep{Points: sweep.Points[:2]}).Validate(cfg))
	shuffled := &Sweep{Points: []FrequencyPoint{
		{Frequency: 1_000_000}, {Frequency: 2_000_000}, {Frequency: 1_500_000},
	}}
	require.Error(shuffled.Validate(cfg))
	shifted := &Sweep{Points: []FrequencyPoint{
		{Frequency: 1_100_000}, {Frequency: 1_500_000}, {Frequency: 2_000_000},
	}}
	require.Error(shifted.Validate(cfg))
}

func TestSweep_ToTouchstone(t *testing.T) {
	require := require.New(t)

	sweep := &Sweep{Points: []FrequencyPoint{
		{Frequency: 1_000_000, S11: complex(0.5, -0.25), S21: complex(0.1, 0)},
	}}
	out := sweep.ToTouchstone()
	require.Contains(out, "# Hz S RI R 50\n")
	require.Contains(out, "1000000 0.500000 -0.250000 0.100000 0.000000\n")
	require.True(strings.HasPrefix(out, "!"))
}

func TestSweep_CalculateVSWR(t *testing.T) {
	require := require.New(t)

	sweep := &Sweep{Points: []FrequencyPoint{
		{S11: 0},                  // идеальное согласование
		{S11: complex(1.0/3, 0)},  // КСВН 2
		{S11: complex(1.5, 0)},    // за пределами пассивной нагрузки
	}}
	vswr := sweep.CalculateVSWR()
	require.InDelta(1.0, vswr[0], 1e-12)
	require.InDelta(2.0, vswr[1], 1e-12)
	require.Equal(9999.0, vswr[2])
}
