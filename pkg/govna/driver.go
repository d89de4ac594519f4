// Package govna реализует ядро работы с векторными анализаторами цепей:
// кодеки двух поколений протокола, драйверы, пул устройств и калибровку.
package govna

import (
	"context"
	"errors"
	"time"

	"github.com/momentics/vnakit/internal/util"
)

// Driver определяет контракт, который должен реализовать каждый драйвер
// устройства. Это центральный элемент паттерна "Мост", отделяющий
// абстракцию измерения от конкретного протокола.
type Driver interface {
	// Identity возвращает идентификационную строку, полученную при пробе.
	Identity() string
	// Generation возвращает поколение протокола устройства.
	Generation() ProtocolGeneration
	// Capabilities возвращает возможности устройства.
	Capabilities() Capabilities
	// Sweep выполняет одно сканирование по заданной сетке. Возвращенный
	// свип полон и строго возрастает по частоте, либо возвращается ошибка.
	Sweep(ctx context.Context, cfg SweepConfig) (*Sweep, error)
	// ReadRegister читает n байт регистра устройства. Для протоколов без
	// регистров возвращает ErrUnsupportedOperation.
	ReadRegister(ctx context.Context, addr uint16, n byte) ([]byte, error)
	// WriteRegister записывает полезную нагрузку в регистр устройства.
	WriteRegister(ctx context.Context, addr uint16, payload []byte) error
	Close() error
}

// DefaultReadTimeout ограничивает одно чтение транспорта внутри драйвера.
const DefaultReadTimeout = 2 * time.Second

// probeTimeout ограничивает ожидание ответа на идентификационный запрос
// каждого поколения протокола.
const probeTimeout = 500 * time.Millisecond

// Probe определяет поколение протокола устройства и создает подходящий
// драйвер. Сначала пробуется бинарный протокол V2: устройство V2 трактует
// произвольный текст как опкоды, поэтому такой порядок безопаснее. Если ни
// один протокол не опознал устройство, возвращается ProbeError.
// Проба не имеет побочных эффектов на приборе помимо запроса/ответа.
// Каждая попытка ограничена и таймаутом чтения, и дедлайном контекста:
// молчащее устройство обрывает чтение, болтливое — дедлайн.
func Probe(ctx context.Context, portPath string, port util.SerialPortInterface, readTimeout time.Duration) (Driver, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	v2 := NewV2Driver(port, readTimeout)
	v2ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	errV2 := v2.identify(v2ctx, probeTimeout)
	cancel()
	if errV2 == nil {
		return v2, nil
	}

	v1 := NewV1Driver(port, readTimeout)
	v1ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	errV1 := v1.identify(v1ctx, probeTimeout)
	cancel()
	if errV1 == nil {
		return v1, nil
	}

	return nil, &ProbeError{Port: portPath, Err: errors.Join(errV2, errV1)}
}

// portReader адаптирует порт к io.Reader для драйверов: нулевое чтение без
// ошибки означает истечение таймаута порта и превращается в типизированную
// транспортную ошибку, иначе bufio зациклился бы на пустых чтениях.
type portReader struct {
	port util.SerialPortInterface
}

func (r portReader) Read(p []byte) (int, error) {
	n, err := r.port.Read(p)
	if err != nil {
		return n, &TransportError{Op: "read", Err: err}
	}
	if n == 0 {
		return 0, &TransportError{Op: "read", Timeout: true}
	}
	return n, nil
}

// writePort записывает буфер целиком, оборачивая сбой в TransportError.
func writePort(port util.SerialPortInterface, data []byte) error {
	for len(data) > 0 {
		n, err := port.Write(data)
		if err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		data = data[n:]
	}
	return nil
}

// ctxErr преобразует отмену контекста в транспортный таймаут, чтобы пул
// единообразно распознавал прерванные операции.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "read", Timeout: true, Err: err}
	}
	return nil
}
