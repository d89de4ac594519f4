package govna

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"
)

// scriptedPort — детерминированный мок последовательного порта: очередь
// заранее заданных чанков и ошибок чтения. Пустая очередь ведет себя как
// истечение таймаута порта (нулевое чтение без ошибки).
type scriptedPort struct {
	mu      sync.Mutex
	script  []portStep
	written bytes.Buffer
	closed  bool
	resets  int
}

type portStep struct {
	data []byte
	err  error
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return 0, nil // таймаут порта
	}
	step := p.script[0]
	if step.err != nil {
		p.script = p.script[1:]
		return 0, step.err
	}
	n := copy(buf, step.data)
	if n < len(step.data) {
		p.script[0].data = step.data[n:]
	} else {
		p.script = p.script[1:]
	}
	return n, nil
}

func (p *scriptedPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(data)
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptedPort) SetReadTimeout(t time.Duration) error { return nil }

// ResetInputBuffer только считает вызовы: очередь сценария описывает будущие
// ответы устройства, а не уже присланные байты, поэтому не очищается.
func (p *scriptedPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *scriptedPort) queue(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, portStep{data: append([]byte(nil), data...)})
}

func (p *scriptedPort) queueString(s string) { p.queue([]byte(s)) }

// queueTimeout вставляет в сценарий одно нулевое чтение — истечение
// таймаута порта между ответами.
func (p *scriptedPort) queueTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, portStep{})
}

func (p *scriptedPort) queueErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, portStep{err: err})
}

func (p *scriptedPort) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// noisePort бесконечно льет байты, не являющиеся ни кадром, ни строкой:
// модель сбойного устройства, заливающего порт мусором без пауз.
type noisePort struct{}

func (noisePort) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x55
	}
	return len(p), nil
}

func (noisePort) Write(p []byte) (int, error)        { return len(p), nil }
func (noisePort) Close() error                       { return nil }
func (noisePort) SetReadTimeout(time.Duration) error { return nil }
func (noisePort) ResetInputBuffer() error            { return nil }

// dataFrame собирает корректный ответный кадр устройства V2.
func dataFrame(addr uint16, payload []byte) []byte {
	buf := make([]byte, 0, frameHeaderSize+len(payload)+1)
	buf = append(buf, opData)
	buf = binary.LittleEndian.AppendUint16(buf, addr)
	buf = append(buf, byte(len(payload)))
	buf = append(buf, payload...)
	return append(buf, frameChecksum(buf))
}
