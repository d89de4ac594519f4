// Этот файл содержит реализацию драйвера для семейства NanoVNA V1
// (текстовый протокол).
package govna

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/momentics/vnakit/internal/util"
)

// Возможности семейства V1, известные из документации прошивки.
const (
	v1MaxPoints = 401
	v1MinFreq   = 50_000
	v1MaxFreq   = 1_500_000_000
)

// V1Driver управляет устройством по текстовому протоколу через V1Codec.
type V1Driver struct {
	port        util.SerialPortInterface
	codec       V1Codec
	reader      *bufio.Reader
	readTimeout time.Duration
	identity    string
	caps        Capabilities
}

func NewV1Driver(port util.SerialPortInterface, readTimeout time.Duration) *V1Driver {
	return &V1Driver{
		port:        port,
		reader:      bufio.NewReader(portReader{port: port}),
		readTimeout: readTimeout,
		caps: Capabilities{
			MaxPoints:    v1MaxPoints,
			MinFrequency: v1MinFreq,
			MaxFrequency: v1MaxFreq,
			Registers:    false,
			Parameters:   []string{"S11", "S21"},
		},
	}
}

func (d *V1Driver) Identity() string               { return d.identity }
func (d *V1Driver) Generation() ProtocolGeneration { return ProtocolV1 }
func (d *V1Driver) Capabilities() Capabilities     { return d.caps }

// identify выполняет текстовое рукопожатие. Ответ на команду version должен
// содержать маркер семейства устройства. Входной буфер порта сбрасывается
// перед запросом, чтобы не разбирать устаревшие байты.
func (d *V1Driver) identify(ctx context.Context, timeout time.Duration) error {
	d.port.ResetInputBuffer()
	d.port.SetReadTimeout(timeout)
	defer d.port.SetReadTimeout(d.readTimeout)

	if err := writePort(d.port, d.codec.EncodeVersionCommand()); err != nil {
		return fmt.Errorf("v1: ошибка отправки команды version: %w", err)
	}
	line, err := d.readLine(ctx)
	if err != nil {
		return fmt.Errorf("v1: не получен ответ на version: %w", err)
	}
	if !strings.Contains(strings.ToLower(line), "nanovna") {
		return fmt.Errorf("v1: устройство не опознано как NanoVNA V1: %q", strings.TrimSpace(line))
	}
	d.identity = strings.TrimSpace(line)
	return nil
}

// Sweep устанавливает сетку и вычитывает строки данных до полного набора
// точек. Приглашение оболочки до получения всех точек означает усеченный
// ответ, который никогда не возвращается как успех.
func (d *V1Driver) Sweep(ctx context.Context, cfg SweepConfig) (*Sweep, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.caps.MaxPoints > 0 && cfg.Points > d.caps.MaxPoints {
		return nil, fmt.Errorf("v1: устройство поддерживает не более %d точек", d.caps.MaxPoints)
	}

	d.port.SetReadTimeout(d.readTimeout)
	if err := writePort(d.port, d.codec.EncodeSweepCommand(cfg.Start, cfg.Stop, cfg.Points)); err != nil {
		return nil, err
	}
	if err := writePort(d.port, d.codec.EncodeScanCommand()); err != nil {
		return nil, err
	}

	sweep := &Sweep{Points: make([]FrequencyPoint, 0, cfg.Points)}
	for len(sweep.Points) < cfg.Points {
		line, err := d.readLine(ctx)
		if err != nil {
			return nil, fmt.Errorf("v1: ошибка чтения строки %d: %w", len(sweep.Points)+1, err)
		}
		point, done, err := d.codec.DecodeResponseLine(line)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, &ProtocolError{
				Generation: "v1",
				Reason:     ReasonShortResponse,
				Detail:     fmt.Sprintf("получено %d точек, ожидалось %d", len(sweep.Points), cfg.Points),
			}
		}
		sweep.Points = append(sweep.Points, point)
	}

	// Приглашение после последней строки данных вычитывается здесь же:
	// оставленное в буфере, оно склеилось бы с первой строкой следующего
	// свипа на этом же драйвере.
	line, err := d.readLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("v1: не получено приглашение после свипа: %w", err)
	}
	_, done, err := d.codec.DecodeResponseLine(line)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, &ProtocolError{
			Generation: "v1",
			Reason:     ReasonMalformedLine,
			Detail:     "после последней строки данных ожидалось приглашение",
		}
	}

	if err := sweep.Validate(cfg); err != nil {
		return nil, &ProtocolError{Generation: "v1", Reason: ReasonMalformedLine, Detail: err.Error()}
	}
	return sweep, nil
}

// Регистровые операции недоступны в текстовом протоколе.
func (d *V1Driver) ReadRegister(ctx context.Context, addr uint16, n byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (d *V1Driver) WriteRegister(ctx context.Context, addr uint16, payload []byte) error {
	return ErrUnsupportedOperation
}

func (d *V1Driver) Close() error {
	if err := d.port.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// readLine собирает строку побайтово, проверяя контекст на каждом байте:
// устройство, льющее байты без перевода строки, не подвешивает вызов
// дольше дедлайна. Частичная строка, оборванная таймаутом порта или
// дедлайном, возвращается как есть — так приглашение "ch> " без перевода
// строки тоже доходит до кодека.
func (d *V1Driver) readLine(ctx context.Context) (string, error) {
	var sb strings.Builder
	for {
		if err := ctxErr(ctx); err != nil {
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		b, err := d.reader.ReadByte()
		if err != nil {
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		sb.WriteByte(b)
		if b == '\n' {
			return sb.String(), nil
		}
	}
}
