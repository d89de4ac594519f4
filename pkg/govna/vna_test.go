package govna

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/momentics/vnakit/internal/util"
)

// newTestVNA собирает фасад на заглушках: пул с подмененным транспортом,
// движок с идеальными эталонами и хранилище во временном каталоге.
func newTestVNA(t *testing.T, probe ProbeFunc) (*VNA, *ProfileStore) {
	t.Helper()
	store, err := NewProfileStore(t.TempDir())
	require.NoError(t, err)
	vna := NewVNA(newTestPool(probe), NewEngine(zerolog.Nop()), store, zerolog.Nop())
	return vna, store
}

func TestVNA_ScanGrid(t *testing.T) {
	require := require.New(t)

	vna, _ := newTestVNA(t, stubProbe)
	handle, err := vna.RegisterDevice(t.Context(), TransportConfig{PortPath: "/dev/ttyACM0"})
	require.NoError(err)
	require.Len(vna.ListDevices(), 1)

	cfg := SweepConfig{Start: 1_000_000, Stop: 10_000_000, Points: 101}
	sweep, err := vna.Scan(t.Context(), handle.ID, cfg, "")
	require.NoError(err)

	// Ровно столько точек, сколько запрошено; сетка строго возрастает и
	// накрывает диапазон от начала до конца включительно.
	require.Len(sweep.Points, cfg.Points)
	require.Equal(cfg.Start, sweep.Points[0].Frequency)
	require.Equal(cfg.Stop, sweep.Points[cfg.Points-1].Frequency)
	for i := 1; i < len(sweep.Points); i++ {
		require.Greater(sweep.Points[i].Frequency, sweep.Points[i-1].Frequency)
	}
}

func TestVNA_ScanRejectsBadConfig(t *testing.T) {
	require := require.New(t)

	vna, _ := newTestVNA(t, stubProbe)
	handle, err := vna.RegisterDevice(t.Context(), TransportConfig{PortPath: "/dev/ttyACM0"})
	require.NoError(err)

	_, err = vna.Scan(t.Context(), handle.ID, SweepConfig{Start: 2_000_000, Stop: 1_000_000, Points: 11}, "")
	require.Error(err)
}

// Ошибка сканирования не оставляет устройство занятым: следующий Scan
// получает лизу без ожидания.
func TestVNA_LeaseReleasedOnError(t *testing.T) {
	require := require.New(t)

	fail := true
	drv := newStubDriver()
	drv.sweepFn = func(ctx context.Context, cfg SweepConfig) (*Sweep, error) {
		if fail {
			return nil, &ProtocolError{Generation: ProtocolV1, Reason: ReasonShortResponse}
		}
		sweep := &Sweep{Points: make([]FrequencyPoint, cfg.Points)}
		for i := range sweep.Points {
			sweep.Points[i].Frequency = cfg.FrequencyAt(i)
		}
		return sweep, nil
	}
	probe := func(ctx context.Context, portPath string, port util.SerialPortInterface, readTimeout time.Duration) (Driver, error) {
		return drv, nil
	}

	vna, _ := newTestVNA(t, probe)
	handle, err := vna.RegisterDevice(t.Context(), TransportConfig{PortPath: "/dev/ttyACM0"})
	require.NoError(err)

	cfg := SweepConfig{Start: 1_000_000, Stop: 2_000_000, Points: 11}
	_, err = vna.Scan(t.Context(), handle.ID, cfg, "")
	require.Error(err)

	// Восстановимый сбой пометил устройство сломанным; переподключение
	// проходит через фабрику и возвращает рабочий драйвер.
	fail = false
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	sweep, err := vna.Scan(ctx, handle.ID, cfg, "")
	require.NoError(err)
	require.Len(sweep.Points, cfg.Points)
}

// Калибровка через фасад сохраняет профиль, а Scan с профилем применяет
// коррекцию и отклоняет сетку вне калиброванного диапазона.
func TestVNA_CalibratedScan(t *testing.T) {
	require := require.New(t)

	e00 := complex(0.1, 0.05)
	inst := newCalInstrument(func(gamma complex128) complex128 { return gamma + e00 })
	probe := func(ctx context.Context, portPath string, port util.SerialPortInterface, readTimeout time.Duration) (Driver, error) {
		return inst, nil
	}

	vna, store := newTestVNA(t, probe)
	handle, err := vna.RegisterDevice(t.Context(), TransportConfig{PortPath: "/dev/ttyACM0"})
	require.NoError(err)

	plan := solPlan(1)
	profile, err := vna.RunCalibrationPlan(t.Context(), handle.ID, plan, inst.prompt)
	require.NoError(err)

	saved, err := store.Load(profile.ID)
	require.NoError(err)
	require.Equal(profile.ID, saved.ID)

	profiles, err := vna.ListProfiles()
	require.NoError(err)
	require.Len(profiles, 1)

	// После калибровки прибор «измеряет» согласованную нагрузку: сырой
	// отклик равен e00, коррекция возвращает ноль.
	inst.current = StandardLoad
	corrected, err := vna.Scan(t.Context(), handle.ID, plan.Sweep, profile.ID)
	require.NoError(err)
	for _, p := range corrected.Points {
		require.InDelta(0, real(p.S11), 1e-12)
		require.InDelta(0, imag(p.S11), 1e-12)
	}

	// Сетка за пределами калиброванного диапазона отклоняется до захвата
	// устройства.
	wide := SweepConfig{Start: plan.Sweep.Start, Stop: plan.Sweep.Stop * 2, Points: 11}
	_, err = vna.Scan(t.Context(), handle.ID, wide, profile.ID)
	var calErr *CalibrationError
	require.ErrorAs(err, &calErr)
	require.Equal(CalOutOfRange, calErr.Reason)
}

func TestVNA_ScanUnknownProfile(t *testing.T) {
	require := require.New(t)

	vna, _ := newTestVNA(t, stubProbe)
	handle, err := vna.RegisterDevice(t.Context(), TransportConfig{PortPath: "/dev/ttyACM0"})
	require.NoError(err)

	cfg := SweepConfig{Start: 1_000_000, Stop: 2_000_000, Points: 11}
	_, err = vna.Scan(t.Context(), handle.ID, cfg, "нет-такого")
	require.Error(err)
}
