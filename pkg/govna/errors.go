// Этот файл определяет таксономию ошибок ядра. HTTP-слой отображает категории
// в статусы и счетчики метрик; само ядро о HTTP ничего не знает.
package govna

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedOperation возвращается драйвером, когда протокол устройства
	// не поддерживает запрошенную операцию (например, регистры на V1).
	ErrUnsupportedOperation = errors.New("операция не поддерживается протоколом устройства")
)

// TransportError описывает сбой байтового транспорта: открытие, чтение,
// запись, закрытие или таймаут. Всегда восстановим переподключением.
type TransportError struct {
	Op      string // "open", "read", "write", "close"
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("транспорт: таймаут операции %s", e.Op)
	}
	return fmt.Sprintf("транспорт: ошибка операции %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolReason уточняет причину протокольной ошибки.
type ProtocolReason string

const (
	ReasonMalformedLine    ProtocolReason = "malformed_line"
	ReasonChecksumMismatch ProtocolReason = "checksum_mismatch"
	ReasonUnexpectedOpcode ProtocolReason = "unexpected_opcode"
	ReasonShortResponse    ProtocolReason = "short_response"
)

// ProtocolError описывает нарушение формата на проводе. Восстановима
// ресинхронизацией и ограниченным числом повторов.
type ProtocolError struct {
	Generation ProtocolGeneration
	Reason     ProtocolReason
	Detail     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: протокольная ошибка (%s): %s", e.Generation, e.Reason, e.Detail)
}

// ProbeError означает, что ни один протокол не опознал устройство.
type ProbeError struct {
	Port string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("не удалось идентифицировать устройство на %s: %v", e.Port, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// PoolReason уточняет причину отказа пула устройств.
type PoolReason string

const (
	PoolTimeout           PoolReason = "timeout"
	PoolNotFound          PoolReason = "not_found"
	PoolDeviceUnavailable PoolReason = "device_unavailable"
)

// PoolError описывает отказ выдачи устройства пулом.
type PoolError struct {
	DeviceID string
	Reason   PoolReason
	Err      error
}

func (e *PoolError) Error() string {
	switch e.Reason {
	case PoolTimeout:
		return fmt.Sprintf("пул: таймаут ожидания устройства %s", e.DeviceID)
	case PoolNotFound:
		return fmt.Sprintf("пул: устройство %s не зарегистрировано", e.DeviceID)
	default:
		return fmt.Sprintf("пул: устройство %s недоступно: %v", e.DeviceID, e.Err)
	}
}

func (e *PoolError) Unwrap() error { return e.Err }

// CalibrationReason уточняет причину отказа калибровочного движка.
type CalibrationReason string

const (
	CalInsufficientStandards CalibrationReason = "insufficient_standards"
	CalOutOfRange            CalibrationReason = "out_of_range"
	CalGridMismatch          CalibrationReason = "grid_mismatch"
	CalDegenerate            CalibrationReason = "degenerate_solution"
)

// CalibrationError описывает отказ расчета или применения калибровки.
// Никогда не аппроксимируется молча.
type CalibrationError struct {
	Reason CalibrationReason
	Detail string
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("калибровка: %s: %s", e.Reason, e.Detail)
}

// IsRecoverable сообщает, имеет ли смысл переподключение устройства после
// данной ошибки. Транспортные и протокольные сбои лечатся реконнектом,
// остальные категории — нет.
func IsRecoverable(err error) bool {
	var te *TransportError
	var pe *ProtocolError
	return errors.As(err, &te) || errors.As(err, &pe)
}
