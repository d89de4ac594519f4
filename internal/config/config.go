// Package config загружает конфигурацию процесса из переменных окружения.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — вся конфигурация сервера.
type Config struct {
	HTTP     HTTPConfig
	Serial   SerialConfig
	Pool     PoolConfig
	Profiles ProfilesConfig
}

// HTTPConfig — параметры HTTP-слоя.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// SerialConfig — параметры последовательного транспорта по умолчанию.
type SerialConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// PoolConfig — параметры пула устройств.
type PoolConfig struct {
	AcquireTimeout    time.Duration
	RetryAttempts     int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
}

// ProfilesConfig — параметры хранилища калибровочных профилей.
type ProfilesConfig struct {
	Dir string
}

// Load читает конфигурацию из окружения с разумными значениями по умолчанию.
// Переменные имеют префикс VNAKIT_, например VNAKIT_HTTP_ADDR.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("vnakit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.read_timeout", "2s")
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.retry_attempts", 3)
	v.SetDefault("pool.retry_initial_delay", "100ms")
	v.SetDefault("pool.retry_max_delay", "2s")
	v.SetDefault("pool.retry_multiplier", 2.0)
	v.SetDefault("profiles.dir", "./profiles")

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Serial: SerialConfig{
			BaudRate:    v.GetInt("serial.baud_rate"),
			ReadTimeout: v.GetDuration("serial.read_timeout"),
		},
		Pool: PoolConfig{
			AcquireTimeout:    v.GetDuration("pool.acquire_timeout"),
			RetryAttempts:     v.GetInt("pool.retry_attempts"),
			RetryInitialDelay: v.GetDuration("pool.retry_initial_delay"),
			RetryMaxDelay:     v.GetDuration("pool.retry_max_delay"),
			RetryMultiplier:   v.GetFloat64("pool.retry_multiplier"),
		},
		Profiles: ProfilesConfig{
			Dir: v.GetString("profiles.dir"),
		},
	}
	return cfg, nil
}
