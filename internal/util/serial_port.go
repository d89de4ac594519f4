// Package util содержит вспомогательные утилиты, не являющиеся частью
// публичного API.
package util

import (
	"time"

	"go.bug.st/serial"
)

// SerialPortInterface определяет интерфейс последовательного порта.
// Это позволяет использовать реальный порт в production и скриптованный
// мок-объект в тестах.
type SerialPortInterface interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
	// ResetInputBuffer отбрасывает непрочитанные байты. Вызывается
	// драйверами перед идентификацией, чтобы не разбирать устаревший ответ
	// предыдущей сессии как свой.
	ResetInputBuffer() error
}

// realPort — обертка над реальной реализацией последовательного порта.
type realPort struct {
	port serial.Port
}

func (r *realPort) Read(p []byte) (n int, err error)     { return r.port.Read(p) }
func (r *realPort) Write(p []byte) (n int, err error)    { return r.port.Write(p) }
func (r *realPort) Close() error                         { return r.port.Close() }
func (r *realPort) SetReadTimeout(t time.Duration) error { return r.port.SetReadTimeout(t) }
func (r *realPort) ResetInputBuffer() error              { return r.port.ResetInputBuffer() }

// OpenPort открывает реальный последовательный порт с заданной скоростью.
func OpenPort(path string, baudRate int) (SerialPortInterface, error) {
	mode := &serial.Mode{BaudRate: baudRate}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &realPort{port: p}, nil
}
