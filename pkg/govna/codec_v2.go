// Этот файл содержит кодек бинарного протокола NanoVNA V2/LiteVNA.
// Кадр: опкод (1 байт), адрес (2 байта little-endian), длина (1 байт),
// полезная нагрузка, контрольная сумма (сумма предыдущих байт по модулю 256).
package govna

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Опкоды протокола V2.
const (
	opNop   byte = 0x00
	opRead  byte = 0x10
	opData  byte = 0x11 // ответ устройства на чтение
	opWrite byte = 0x20
)

// Регистры устройства V2.
const (
	regSweepStart    uint16 = 0x0000
	regSweepStep     uint16 = 0x0010
	regSweepPoints   uint16 = 0x0020
	regValuesFIFO    uint16 = 0x0030
	regDeviceVariant uint16 = 0x00f0
)

const (
	frameHeaderSize = 4 // опкод + адрес + длина
	// MaxFramePayload ограничивает полезную нагрузку одного кадра.
	MaxFramePayload = 255
)

// Frame — один полный кадр бинарного протокола.
type Frame struct {
	Opcode  byte
	Address uint16
	Payload []byte
}

// frameChecksum считает контрольную сумму: сумма байт по модулю 256.
func frameChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// plausibleOpcode сообщает, может ли байт начинать кадр. Используется
// декодером для ресинхронизации после сбоя контрольной суммы.
func plausibleOpcode(b byte) bool {
	return b == opRead || b == opData || b == opWrite
}

// EncodeReadFrame формирует кадр чтения n байт по адресу addr.
func EncodeReadFrame(addr uint16, n byte) []byte {
	buf := make([]byte, 0, frameHeaderSize+2)
	buf = append(buf, opRead)
	buf = binary.LittleEndian.AppendUint16(buf, addr)
	buf = append(buf, 1, n)
	return append(buf, frameChecksum(buf))
}

// EncodeWriteFrame формирует кадр записи полезной нагрузки по адресу addr.
func EncodeWriteFrame(addr uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("полезная нагрузка %d байт превышает предел %d", len(payload), MaxFramePayload)
	}
	buf := make([]byte, 0, frameHeaderSize+len(payload)+1)
	buf = append(buf, opWrite)
	buf = binary.LittleEndian.AppendUint16(buf, addr)
	buf = append(buf, byte(len(payload)))
	buf = append(buf, payload...)
	return append(buf, frameChecksum(buf)), nil
}

// Состояния декодера кадров.
type decoderState int

const (
	stateSeekOpcode decoderState = iota
	stateReadHeader
	stateReadPayload
	stateVerify
)

// FrameDecoder собирает кадры из потока байт транспорта. Одно чтение порта
// не обязано совпадать с границей кадра: декодер буферизует частичные чтения
// и ресинхронизируется после сбоя контрольной суммы, отбрасывая байты до
// следующего правдоподобного опкода.
type FrameDecoder struct {
	state decoderState
	buf   []byte
}

// NewFrameDecoder создает декодер в состоянии поиска опкода.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{state: stateSeekOpcode}
}

// Feed добавляет принятые байты во внутренний буфер декодера.
func (d *FrameDecoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Reset сбрасывает декодер и отбрасывает накопленные байты. Вызывается
// пулом перед повторным использованием транспорта после сбоя, чтобы не
// начать разбор с середины кадра.
func (d *FrameDecoder) Reset() {
	d.state = stateSeekOpcode
	d.buf = d.buf[:0]
}

// Pending возвращает число байт, ожидающих разбора.
func (d *FrameDecoder) Pending() int { return len(d.buf) }

// Next пытается извлечь следующий кадр из буфера.
// Возвращает (nil, nil), если кадр еще не полон; ProtocolError с причиной
// ChecksumMismatch — диагностика, после которой разбор можно продолжать:
// декодер уже отбросил первый байт испорченного кадра и ресинхронизируется.
func (d *FrameDecoder) Next() (*Frame, error) {
	for {
		switch d.state {
		case stateSeekOpcode:
			skipped := 0
			for skipped < len(d.buf) && !plausibleOpcode(d.buf[skipped]) {
				skipped++
			}
			d.buf = d.buf[skipped:]
			if len(d.buf) == 0 {
				return nil, nil
			}
			d.state = stateReadHeader

		case stateReadHeader:
			if len(d.buf) < frameHeaderSize {
				return nil, nil
			}
			d.state = stateReadPayload

		case stateReadPayload:
			total := frameHeaderSize + int(d.buf[3]) + 1
			if len(d.buf) < total {
				return nil, nil
			}
			d.state = stateVerify

		case stateVerify:
			n := int(d.buf[3])
			total := frameHeaderSize + n + 1
			body := d.buf[:total-1]
			want := d.buf[total-1]
			if got := frameChecksum(body); got != want {
				// Отбрасываем один байт и ищем следующий опкод: испорченный
				// кадр не должен ронять весь свип.
				d.buf = d.buf[1:]
				d.state = stateSeekOpcode
				return nil, &ProtocolError{
					Generation: "v2",
					Reason:     ReasonChecksumMismatch,
					Detail:     fmt.Sprintf("ожидалось 0x%02x, получено 0x%02x", got, want),
				}
			}
			frame := &Frame{
				Opcode:  d.buf[0],
				Address: binary.LittleEndian.Uint16(d.buf[1:3]),
				Payload: append([]byte{}, d.buf[frameHeaderSize:frameHeaderSize+n]...),
			}
			d.buf = d.buf[total:]
			d.state = stateSeekOpcode
			return frame, nil
		}
	}
}

// SampleFormat задает формат бинарных отсчетов в полезной нагрузке регистров.
type SampleFormat int

const (
	// SampleFloat32 — пара IEEE-754 float32 little-endian (re, im),
	// 8 байт на комплексный отсчет, масштаб 1.0.
	SampleFloat32 SampleFormat = iota
	// SampleFixedQ15 — пара int16 little-endian в формате Q15,
	// 4 байта на комплексный отсчет, масштаб 1/32768.
	SampleFixedQ15
)

// q15Scale — масштабный коэффициент формата Q15.
const q15Scale = 1.0 / 32768.0

// SampleSize возвращает размер одного комплексного отсчета в байтах.
func (f SampleFormat) SampleSize() int {
	if f == SampleFixedQ15 {
		return 4
	}
	return 8
}

// DecodeComplexSamples преобразует полезную нагрузку регистра в комплексные
// отсчеты согласно формату устройства.
func DecodeComplexSamples(payload []byte, format SampleFormat) ([]complex128, error) {
	size := format.SampleSize()
	if len(payload)%size != 0 {
		return nil, &ProtocolError{
			Generation: "v2",
			Reason:     ReasonShortResponse,
			Detail:     fmt.Sprintf("длина нагрузки %d не кратна размеру отсчета %d", len(payload), size),
		}
	}
	samples := make([]complex128, len(payload)/size)
	for i := range samples {
		chunk := payload[i*size:]
		switch format {
		case SampleFixedQ15:
			re := int16(binary.LittleEndian.Uint16(chunk[0:2]))
			im := int16(binary.LittleEndian.Uint16(chunk[2:4]))
			samples[i] = complex(float64(re)*q15Scale, float64(im)*q15Scale)
		default:
			re := math.Float32frombits(binary.LittleEndian.Uint32(chunk[0:4]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(chunk[4:8]))
			samples[i] = complex(float64(re), float64(im))
		}
	}
	return samples, nil
}
