package govna

import (
	"fmt"
	"math/cmplx"
	"strings"
	"time"
)

// MaxSweepPoints ограничивает количество точек сканирования
// (10000 интервалов + 1), чтобы один запрос не занял устройство навсегда.
const MaxSweepPoints = 10001

// SweepConfig описывает частотную сетку одного сканирования.
// Частоты в герцах, целые и неотрицательные.
type SweepConfig struct {
	Start  uint64
	Stop   uint64
	Points int
}

// Validate проверяет корректность параметров сканирования.
func (c SweepConfig) Validate() error {
	if c.Start >= c.Stop {
		return fmt.Errorf("начальная частота %d должна быть меньше конечной %d", c.Start, c.Stop)
	}
	if c.Points < 2 || c.Points > MaxSweepPoints {
		return fmt.Errorf("количество точек %d вне диапазона [2, %d]", c.Points, MaxSweepPoints)
	}
	if c.Stop-c.Start < uint64(c.Points-1) {
		return fmt.Errorf("диапазон %d Гц слишком узок для %d точек", c.Stop-c.Start, c.Points)
	}
	return nil
}

// FrequencyAt возвращает i-ю частоту сетки. Сетка строго возрастает и
// покрывает [Start, Stop] включительно.
func (c SweepConfig) FrequencyAt(i int) uint64 {
	if i <= 0 {
		return c.Start
	}
	if i >= c.Points-1 {
		return c.Stop
	}
	span := c.Stop - c.Start
	return c.Start + span*uint64(i)/uint64(c.Points-1)
}

// FrequencyPoint содержит одну точку сканирования: частоту и комплексные
// отсчеты измеренных S-параметров. Неизменяема после создания свипа.
type FrequencyPoint struct {
	Frequency uint64
	S11       complex128
	S21       complex128
}

// Sweep содержит результат одного полного сканирования. Частоты строго
// возрастают; свип никогда не виден вызывающему частично.
type Sweep struct {
	Points []FrequencyPoint
}

// Frequencies возвращает частотную сетку свипа.
func (s *Sweep) Frequencies() []uint64 {
	freqs := make([]uint64, len(s.Points))
	for i, p := range s.Points {
		freqs[i] = p.Frequency
	}
	return freqs
}

// Validate проверяет инварианты свипа: соответствие запрошенной сетке
// и строгое возрастание частот.
func (s *Sweep) Validate(cfg SweepConfig) error {
	if len(s.Points) != cfg.Points {
		return fmt.Errorf("свип содержит %d точек, ожидалось %d", len(s.Points), cfg.Points)
	}
	for i, p := range s.Points {
		if i > 0 && p.Frequency <= s.Points[i-1].Frequency {
			return fmt.Errorf("частоты свипа не возрастают на индексе %d", i)
		}
	}
	if s.Points[0].Frequency != cfg.Start || s.Points[len(s.Points)-1].Frequency != cfg.Stop {
		return fmt.Errorf("свип не покрывает запрошенный диапазон [%d, %d]", cfg.Start, cfg.Stop)
	}
	return nil
}

// ToTouchstone экспортирует свип в формат Touchstone (.s2p).
func (s *Sweep) ToTouchstone() string {
	var sb strings.Builder
	sb.WriteString("! vnakit Data Export\n")
	sb.WriteString("! Date: " + time.Now().UTC().Format(time.RFC3339) + "\n")
	sb.WriteString("# Hz S RI R 50\n")
	for _, p := range s.Points {
		sb.WriteString(fmt.Sprintf("%d %.6f %.6f %.6f %.6f\n",
			p.Frequency, real(p.S11), imag(p.S11), real(p.S21), imag(p.S21)))
	}
	return sb.String()
}

// CalculateVSWR рассчитывает коэффициент стоячей волны по S11.
func (s *Sweep) CalculateVSWR() []float64 {
	vswr := make([]float64, len(s.Points))
	for i, p := range s.Points {
		gamma := cmplx.Abs(p.S11)
		if gamma >= 1.0 {
			vswr[i] = 9999.0 // Практически бесконечное значение
		} else {
			vswr[i] = (1 + gamma) / (1 - gamma)
		}
	}
	return vswr
}

// ProtocolGeneration указывает поколение протокола устройства.
type ProtocolGeneration string

const (
	ProtocolV1 ProtocolGeneration = "v1"
	ProtocolV2 ProtocolGeneration = "v2"
)

// Capabilities описывает возможности конкретного устройства, определенные
// при идентификации.
type Capabilities struct {
	MaxPoints    int
	MinFrequency uint64
	MaxFrequency uint64
	Registers    bool // поддержка прямого чтения/записи регистров
	Parameters   []string
}

// DeviceHandle идентифицирует одно физическое устройство в пуле.
type DeviceHandle struct {
	ID           string
	PortPath     string
	Protocol     ProtocolGeneration
	Identity     string // строка идентификации от устройства
	Capabilities Capabilities
}
