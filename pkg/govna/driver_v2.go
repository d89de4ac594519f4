// Этот файл содержит реализацию драйвера для семейства NanoVNA V2/LiteVNA
// (бинарный кадровый протокол).
package govna

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/momentics/vnakit/internal/util"
)

// protocolRetryLimit ограничивает повторы обмена после протокольного сбоя
// (испорченная контрольная сумма, чужой опкод) внутри одной операции.
const protocolRetryLimit = 3

// Размер ответа регистра значений на одну точку: S11 и S21 в float32.
const v2PointPayload = 16

// V2Driver управляет устройством по бинарному протоколу. Протокол не имеет
// нативного многоточечного запроса: свип выполняется последовательностью
// кадровых чтений регистра значений, по одному на точку.
type V2Driver struct {
	port         util.SerialPortInterface
	decoder      *FrameDecoder
	readTimeout  time.Duration
	identity     string
	caps         Capabilities
	sampleFormat SampleFormat
	readBuf      []byte
}

func NewV2Driver(port util.SerialPortInterface, readTimeout time.Duration) *V2Driver {
	d := &V2Driver{
		port:         port,
		decoder:      NewFrameDecoder(),
		readTimeout:  readTimeout,
		sampleFormat: SampleFloat32,
		readBuf:      make([]byte, 256),
	}
	d.resetProtocol()
	return d
}

// resetProtocol выводит разборщик команд устройства из возможного
// промежуточного состояния потоком NOP-байтов и сбрасывает устаревшие
// байты во входном буфере порта вместе с состоянием декодера.
func (d *V2Driver) resetProtocol() {
	d.port.ResetInputBuffer()
	writePort(d.port, make([]byte, 8))
	d.decoder.Reset()
}

func (d *V2Driver) Identity() string               { return d.identity }
func (d *V2Driver) Generation() ProtocolGeneration { return ProtocolV2 }
func (d *V2Driver) Capabilities() Capabilities     { return d.caps }

// identify запрашивает регистр варианта устройства. Корректный кадр с
// известным вариантом подтверждает поколение протокола. Дедлайн контекста
// ограничивает и устройство, непрерывно льющее некадровые байты: таймаут
// одного чтения такой поток не прерывает.
func (d *V2Driver) identify(ctx context.Context, timeout time.Duration) error {
	d.port.SetReadTimeout(timeout)
	defer d.port.SetReadTimeout(d.readTimeout)

	payload, err := d.exchange(ctx, regDeviceVariant, 1)
	if err != nil {
		return fmt.Errorf("v2: не получен ответ на запрос варианта: %w", err)
	}
	if len(payload) != 1 {
		return &ProtocolError{
			Generation: "v2",
			Reason:     ReasonShortResponse,
			Detail:     fmt.Sprintf("регистр варианта вернул %d байт", len(payload)),
		}
	}

	variant := payload[0]
	switch variant {
	case 2:
		d.caps = Capabilities{
			MaxPoints:    1024,
			MinFrequency: 50_000,
			MaxFrequency: 3_000_000_000,
			Registers:    true,
			Parameters:   []string{"S11", "S21"},
		}
	case 4: // V2 Plus4
		d.caps = Capabilities{
			MaxPoints:    1024,
			MinFrequency: 50_000,
			MaxFrequency: 4_400_000_000,
			Registers:    true,
			Parameters:   []string{"S11", "S21"},
		}
	default:
		return fmt.Errorf("v2: устройство сообщило неизвестный вариант %d", variant)
	}
	d.identity = fmt.Sprintf("NanoVNA_V2 (Variant %d)", variant)
	return nil
}

// Sweep программирует регистры сетки и вычитывает точки по одной.
func (d *V2Driver) Sweep(ctx context.Context, cfg SweepConfig) (*Sweep, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.caps.MaxPoints > 0 && cfg.Points > d.caps.MaxPoints {
		return nil, fmt.Errorf("v2: устройство поддерживает не более %d точек", d.caps.MaxPoints)
	}
	if err := d.programSweep(ctx, cfg); err != nil {
		return nil, err
	}

	d.port.SetReadTimeout(d.readTimeout)
	sweep := &Sweep{Points: make([]FrequencyPoint, 0, cfg.Points)}
	for i := 0; i < cfg.Points; i++ {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		payload, err := d.readRegisterRetry(ctx, regValuesFIFO, byte(d.sampleFormat.SampleSize()*2))
		if err != nil {
			return nil, fmt.Errorf("v2: ошибка чтения точки %d: %w", i+1, err)
		}
		samples, err := DecodeComplexSamples(payload, d.sampleFormat)
		if err != nil {
			return nil, err
		}
		if len(samples) < 2 {
			return nil, &ProtocolError{
				Generation: "v2",
				Reason:     ReasonShortResponse,
				Detail:     fmt.Sprintf("точка %d содержит %d отсчетов, ожидалось 2", i+1, len(samples)),
			}
		}
		sweep.Points = append(sweep.Points, FrequencyPoint{
			Frequency: cfg.FrequencyAt(i),
			S11:       samples[0],
			S21:       samples[1],
		})
	}
	return sweep, nil
}

// ReadRegister читает n байт регистра с ограниченным числом повторов
// после протокольных сбоев.
func (d *V2Driver) ReadRegister(ctx context.Context, addr uint16, n byte) ([]byte, error) {
	d.port.SetReadTimeout(d.readTimeout)
	return d.readRegisterRetry(ctx, addr, n)
}

// WriteRegister записывает полезную нагрузку в регистр. Протокол не
// подтверждает записи.
func (d *V2Driver) WriteRegister(ctx context.Context, addr uint16, payload []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	frame, err := EncodeWriteFrame(addr, payload)
	if err != nil {
		return err
	}
	return writePort(d.port, frame)
}

func (d *V2Driver) Close() error {
	if err := d.port.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (d *V2Driver) programSweep(ctx context.Context, cfg SweepConfig) error {
	step := (cfg.Stop - cfg.Start) / uint64(cfg.Points-1)

	var start, stepBuf [8]byte
	binary.LittleEndian.PutUint64(start[:], cfg.Start)
	binary.LittleEndian.PutUint64(stepBuf[:], step)
	if err := d.WriteRegister(ctx, regSweepStart, start[:]); err != nil {
		return err
	}
	if err := d.WriteRegister(ctx, regSweepStep, stepBuf[:]); err != nil {
		return err
	}
	var points [2]byte
	binary.LittleEndian.PutUint16(points[:], uint16(cfg.Points))
	return d.WriteRegister(ctx, regSweepPoints, points[:])
}

// readRegisterRetry повторяет обмен до protocolRetryLimit раз. Исчерпание
// повторов отдает последнюю протокольную ошибку наверх: она не проглатывается.
func (d *V2Driver) readRegisterRetry(ctx context.Context, addr uint16, n byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < protocolRetryLimit; attempt++ {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		payload, err := d.exchange(ctx, addr, n)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			// Транспортный сбой повтором обмена не лечится.
			return nil, err
		}
	}
	return nil, lastErr
}

// exchange отправляет кадр чтения и собирает ответный кадр из потока байт,
// буферизуя частичные чтения транспорта. Сбои контрольной суммы поглощаются
// ресинхронизацией декодера в пределах бюджета: испорченный кадр не роняет
// весь обмен, пока сбои не стали систематическими.
func (d *V2Driver) exchange(ctx context.Context, addr uint16, n byte) ([]byte, error) {
	if err := writePort(d.port, EncodeReadFrame(addr, n)); err != nil {
		return nil, err
	}
	mismatches := 0
	for {
		frame, err := d.decoder.Next()
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) && pe.Reason == ReasonChecksumMismatch {
				mismatches++
				if mismatches < protocolRetryLimit {
					continue
				}
			}
			return nil, err
		}
		if frame != nil {
			if frame.Opcode != opData || frame.Address != addr {
				return nil, &ProtocolError{
					Generation: "v2",
					Reason:     ReasonUnexpectedOpcode,
					Detail:     fmt.Sprintf("опкод 0x%02x адрес 0x%04x, ожидался ответ регистра 0x%04x", frame.Opcode, frame.Address, addr),
				}
			}
			return frame.Payload, nil
		}
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		read, err := d.port.Read(d.readBuf)
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		if read == 0 {
			return nil, &TransportError{Op: "read", Timeout: true}
		}
		d.decoder.Feed(d.readBuf[:read])
	}
}
