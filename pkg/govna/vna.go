// Этот файл содержит фасад — единственную точку входа для внешнего
// HTTP-слоя. Фасад компонует пул, драйверы и калибровочный движок в
// операцию «выполнить калиброванное сканирование».
package govna

import (
	"context"

	"github.com/rs/zerolog"
)

// VNA — высокоуровневый фасад над пулом устройств, калибровочным движком и
// хранилищем профилей. Идентификаторы устройств передаются явно через
// каждый вызов: глобального «текущего устройства» нет.
type VNA struct {
	pool     *Pool
	engine   *Engine
	profiles *ProfileStore
	logger   zerolog.Logger
}

func NewVNA(pool *Pool, engine *Engine, profiles *ProfileStore, logger zerolog.Logger) *VNA {
	return &VNA{pool: pool, engine: engine, profiles: profiles, logger: logger}
}

// RegisterDevice подключает устройство и добавляет его в пул.
func (v *VNA) RegisterDevice(ctx context.Context, cfg TransportConfig) (DeviceHandle, error) {
	return v.pool.Register(ctx, cfg)
}

// ListDevices возвращает зарегистрированные устройства.
func (v *VNA) ListDevices() []DeviceHandle {
	return v.pool.List()
}

// ListProfiles возвращает сохраненные калибровочные профили.
func (v *VNA) ListProfiles() ([]*CalibrationProfile, error) {
	return v.profiles.List()
}

// Scan выполняет одно сканирование на устройстве. Если указан profileID,
// к сырому свипу применяется коррекция; запрошенная сетка обязана попадать
// в калиброванный диапазон профиля. Лиза освобождается на каждом пути
// выхода; восстановимый сбой помечает устройство для переподключения.
func (v *VNA) Scan(ctx context.Context, deviceID string, cfg SweepConfig, profileID string) (*Sweep, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var profile *CalibrationProfile
	if profileID != "" {
		loaded, err := v.profiles.Load(profileID)
		if err != nil {
			return nil, err
		}
		if !loaded.Covers(cfg) {
			return nil, &CalibrationError{
				Reason: CalOutOfRange,
				Detail: "запрошенный диапазон выходит за пределы калиброванного",
			}
		}
		profile = loaded
	}

	lease, err := v.pool.Acquire(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	sweep, err := lease.Driver().Sweep(ctx, cfg)
	if err != nil {
		if IsRecoverable(err) {
			lease.MarkBroken(err)
		}
		return nil, err
	}

	if profile == nil {
		return sweep, nil
	}
	return v.engine.Correct(sweep, profile)
}

// RunCalibrationPlan выполняет калибровочный план на устройстве и сохраняет
// получившийся профиль. Профиль неизменяем: повторная калибровка создает
// новый профиль с новым идентификатором.
func (v *VNA) RunCalibrationPlan(ctx context.Context, deviceID string, plan CalibrationPlan, prompt CalibrationPrompt) (*CalibrationProfile, error) {
	lease, err := v.pool.Acquire(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	profile, err := v.engine.RunPlan(ctx, plan, lease.Driver(), prompt)
	if err != nil {
		if IsRecoverable(err) {
			lease.MarkBroken(err)
		}
		return nil, err
	}

	if err := v.profiles.Save(profile); err != nil {
		return nil, err
	}
	v.logger.Info().
		Str("profile", profile.ID).
		Str("device", deviceID).
		Int("points", len(profile.Terms.Frequencies)).
		Msg("калибровочный профиль сохранен")
	return profile, nil
}

// Close закрывает транспорты всех устройств.
func (v *VNA) Close() {
	v.pool.CloseAll()
}
