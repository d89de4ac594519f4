// Этот файл содержит калибровочный движок: измерение эталонов, расчет
// коэффициентов ошибок и применение коррекции к сырым свипам.
package govna

import (
	"context"
	"fmt"
	"math/cmplx"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CalibrationStandard — один из эталонов набора SOLT.
type CalibrationStandard string

const (
	StandardOpen  CalibrationStandard = "open"
	StandardShort CalibrationStandard = "short"
	StandardLoad  CalibrationStandard = "load"
	StandardThru  CalibrationStandard = "thru"
)

// StandardModel описывает идеальные коэффициенты эталона. Коэффициенты
// зависят от частоты: это позволяет задавать определения эталонов из
// паспортных данных набора.
type StandardModel struct {
	Standard CalibrationStandard
	// Reflection — идеальный коэффициент отражения на частоте.
	Reflection func(freq uint64) complex128
	// Transmission — идеальный коэффициент передачи (значим для thru).
	Transmission func(freq uint64) complex128
}

// DefaultStandards возвращает идеальные модели эталонов: open = +1,
// short = -1, load = 0, thru передает без потерь.
func DefaultStandards() map[CalibrationStandard]StandardModel {
	one := func(uint64) complex128 { return 1 }
	minusOne := func(uint64) complex128 { return -1 }
	zero := func(uint64) complex128 { return 0 }
	return map[CalibrationStandard]StandardModel{
		StandardOpen:  {Standard: StandardOpen, Reflection: one, Transmission: zero},
		StandardShort: {Standard: StandardShort, Reflection: minusOne, Transmission: zero},
		StandardLoad:  {Standard: StandardLoad, Reflection: zero, Transmission: zero},
		StandardThru:  {Standard: StandardThru, Reflection: zero, Transmission: one},
	}
}

// CalibrationStep — один шаг плана: подключить эталон и измерить.
type CalibrationStep struct {
	Standard CalibrationStandard
}

// CalibrationPlan — упорядоченный список эталонных измерений.
type CalibrationPlan struct {
	Name  string
	Ports int // 1 или 2
	Sweep SweepConfig
	Steps []CalibrationStep
}

// requiredStandards возвращает минимальный набор эталонов модели.
func (p CalibrationPlan) requiredStandards() []CalibrationStandard {
	required := []CalibrationStandard{StandardOpen, StandardShort, StandardLoad}
	if p.Ports >= 2 {
		required = append(required, StandardThru)
	}
	return required
}

// Validate проверяет план: корректная сетка и достаточный набор эталонов
// для выбранной модели.
func (p CalibrationPlan) Validate() error {
	if p.Ports != 1 && p.Ports != 2 {
		return fmt.Errorf("количество портов %d не поддерживается", p.Ports)
	}
	if err := p.Sweep.Validate(); err != nil {
		return err
	}
	present := make(map[CalibrationStandard]bool, len(p.Steps))
	for _, step := range p.Steps {
		present[step.Standard] = true
	}
	for _, required := range p.requiredStandards() {
		if !present[required] {
			return &CalibrationError{
				Reason: CalInsufficientStandards,
				Detail: fmt.Sprintf("в плане отсутствует эталон %s", required),
			}
		}
	}
	return nil
}

// CalibrationPrompt вызывается перед каждым шагом, чтобы оператор подключил
// нужный эталон. Ошибка прерывает план.
type CalibrationPrompt func(ctx context.Context, standard CalibrationStandard) error

// ErrorTermSet — коэффициенты коррекции по частотной сетке. Неизменяем
// после расчета и безопасно разделяется между конкурентными Correct.
type ErrorTermSet struct {
	Frequencies        []uint64
	Directivity        []complex128 // e00
	SourceMatch        []complex128 // e11
	ReflectionTracking []complex128 // e10*e01
	// Коэффициенты передачи; заполняются только двухпортовой калибровкой.
	TransmissionTracking []complex128
	LoadMatch            []complex128
	Isolation            []complex128
}

// CalibrationProfile — именованный неизменяемый результат прогона плана.
// Повторная калибровка порождает новый профиль, а не мутирует старый.
type CalibrationProfile struct {
	ID        string
	Name      string
	Ports     int
	CreatedAt time.Time
	Sweep     SweepConfig
	Terms     ErrorTermSet
}

// Validate проверяет целостность профиля.
func (p *CalibrationProfile) Validate() error {
	if p == nil || len(p.Terms.Frequencies) == 0 {
		return &CalibrationError{Reason: CalGridMismatch, Detail: "профиль не содержит частотной сетки"}
	}
	n := len(p.Terms.Frequencies)
	if len(p.Terms.Directivity) != n || len(p.Terms.SourceMatch) != n || len(p.Terms.ReflectionTracking) != n {
		return &CalibrationError{Reason: CalGridMismatch, Detail: "коэффициенты не совпадают по размеру с частотной сеткой"}
	}
	if p.Ports >= 2 && len(p.Terms.TransmissionTracking) != n {
		return &CalibrationError{Reason: CalGridMismatch, Detail: "двухпортовый профиль без коэффициентов передачи"}
	}
	return nil
}

// Covers сообщает, покрывает ли калиброванный диапазон запрошенную сетку.
func (p *CalibrationProfile) Covers(cfg SweepConfig) bool {
	freqs := p.Terms.Frequencies
	return cfg.Start >= freqs[0] && cfg.Stop <= freqs[len(freqs)-1]
}

// Engine выполняет калибровочные планы и применяет коррекцию.
type Engine struct {
	standards map[CalibrationStandard]StandardModel
	logger    zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{standards: DefaultStandards(), logger: logger}
}

// SetStandard заменяет модель эталона паспортным определением набора.
func (e *Engine) SetStandard(model StandardModel) {
	e.standards[model.Standard] = model
}

// RunPlan выполняет план: для каждого шага запрашивает подключение эталона,
// снимает измерение через драйвер и после всех шагов решает систему
// коэффициентов независимо на каждой частоте.
func (e *Engine) RunPlan(ctx context.Context, plan CalibrationPlan, drv Driver, prompt CalibrationPrompt) (*CalibrationProfile, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	measurements := make(map[CalibrationStandard]*Sweep, len(plan.Steps))
	for _, step := range plan.Steps {
		if prompt != nil {
			if err := prompt(ctx, step.Standard); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sweep, err := drv.Sweep(ctx, plan.Sweep)
		if err != nil {
			return nil, fmt.Errorf("ошибка измерения эталона %s: %w", step.Standard, err)
		}
		measurements[step.Standard] = sweep
		e.logger.Debug().
			Str("standard", string(step.Standard)).
			Int("points", len(sweep.Points)).
			Msg("эталон измерен")
	}

	terms, err := e.solveTerms(plan, measurements)
	if err != nil {
		return nil, err
	}

	profile := &CalibrationProfile{
		ID:        uuid.NewString(),
		Name:      plan.Name,
		Ports:     plan.Ports,
		CreatedAt: time.Now().UTC(),
		Sweep:     plan.Sweep,
		Terms:     terms,
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// solveTerms решает трехчленную модель на каждой частоте. Для каждого
// эталона k с идеалом Γk и измерением mk справедливо
//
//	mk = e00 + rt*Γk/(1 - e11*Γk),
//
// что линеаризуется в уравнение e00 + (Γk*mk)*e11 - Γk*Δ = mk с
// неизвестными (e00, e11, Δ), где Δ = e00*e11 - rt. Три эталона дают
// систему 3x3, решаемую по Крамеру без межчастотной связи.
func (e *Engine) solveTerms(plan CalibrationPlan, measurements map[CalibrationStandard]*Sweep) (ErrorTermSet, error) {
	reflStandards := []CalibrationStandard{StandardOpen, StandardShort, StandardLoad}
	base := measurements[StandardLoad]
	for _, std := range reflStandards {
		m, ok := measurements[std]
		if !ok {
			return ErrorTermSet{}, &CalibrationError{
				Reason: CalInsufficientStandards,
				Detail: fmt.Sprintf("нет измерения эталона %s", std),
			}
		}
		if err := sameGrid(base, m); err != nil {
			return ErrorTermSet{}, err
		}
	}

	count := len(base.Points)
	terms := ErrorTermSet{
		Frequencies:        make([]uint64, count),
		Directivity:        make([]complex128, count),
		SourceMatch:        make([]complex128, count),
		ReflectionTracking: make([]complex128, count),
	}

	for i := 0; i < count; i++ {
		freq := base.Points[i].Frequency
		terms.Frequencies[i] = freq

		var a [3][3]complex128
		var b [3]complex128
		for row, std := range reflStandards {
			gamma := e.standards[std].Reflection(freq)
			m := measurements[std].Points[i].S11
			a[row] = [3]complex128{1, gamma * m, -gamma}
			b[row] = m
		}

		e00, e11, delta, err := solve3(a, b)
		if err != nil {
			return ErrorTermSet{}, &CalibrationError{
				Reason: CalDegenerate,
				Detail: fmt.Sprintf("вырожденная система на частоте %d Гц", freq),
			}
		}
		terms.Directivity[i] = e00
		terms.SourceMatch[i] = e11
		terms.ReflectionTracking[i] = e00*e11 - delta
	}

	if plan.Ports >= 2 {
		thru, ok := measurements[StandardThru]
		if !ok {
			return ErrorTermSet{}, &CalibrationError{
				Reason: CalInsufficientStandards,
				Detail: "двухпортовая модель требует измерения thru",
			}
		}
		if err := sameGrid(base, thru); err != nil {
			return ErrorTermSet{}, err
		}
		terms.TransmissionTracking = make([]complex128, count)
		terms.LoadMatch = make([]complex128, count)
		terms.Isolation = make([]complex128, count)
		for i := 0; i < count; i++ {
			ideal := e.standards[StandardThru].Transmission(terms.Frequencies[i])
			if ideal == 0 {
				return ErrorTermSet{}, &CalibrationError{
					Reason: CalDegenerate,
					Detail: fmt.Sprintf("нулевая идеальная передача thru на частоте %d Гц", terms.Frequencies[i]),
				}
			}
			terms.TransmissionTracking[i] = thru.Points[i].S21 / ideal
			// Без обратных измерений согласование нагрузки принимается
			// равным согласованию источника, изоляция — нулевой.
			terms.LoadMatch[i] = terms.SourceMatch[i]
			terms.Isolation[i] = 0
		}
	}

	return terms, nil
}

// Correct применяет коэффициенты профиля к сырому свипу. На частоте точно
// из калиброванной сетки коэффициенты берутся как есть, между узлами —
// линейная интерполяция действительной и мнимой частей независимо.
// Частота вне калиброванного диапазона — это CalibrationError(OutOfRange),
// экстраполяции нет.
func (e *Engine) Correct(raw *Sweep, profile *CalibrationProfile) (*Sweep, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	corrected := &Sweep{Points: make([]FrequencyPoint, len(raw.Points))}
	for i, p := range raw.Points {
		t, err := profile.termsAt(p.Frequency)
		if err != nil {
			return nil, err
		}

		numerator := p.S11 - t.e00
		denominator := t.e11*numerator + t.rt
		if denominator == 0 {
			return nil, &CalibrationError{
				Reason: CalDegenerate,
				Detail: fmt.Sprintf("деление на ноль при применении калибровки на частоте %d Гц", p.Frequency),
			}
		}

		point := FrequencyPoint{
			Frequency: p.Frequency,
			S11:       numerator / denominator,
			S21:       p.S21,
		}
		if profile.Ports >= 2 && t.tt != 0 {
			point.S21 = (p.S21 - t.iso) / t.tt
		}
		corrected.Points[i] = point
	}
	return corrected, nil
}

// termSet — коэффициенты на одной частоте.
type termSet struct {
	e00, e11, rt complex128
	tt, lm, iso  complex128
}

// termsAt возвращает коэффициенты для частоты freq, интерполируя между
// соседними узлами сетки при необходимости.
func (p *CalibrationProfile) termsAt(freq uint64) (termSet, error) {
	freqs := p.Terms.Frequencies
	if freq < freqs[0] || freq > freqs[len(freqs)-1] {
		return termSet{}, &CalibrationError{
			Reason: CalOutOfRange,
			Detail: fmt.Sprintf("частота %d Гц вне калиброванного диапазона [%d, %d]", freq, freqs[0], freqs[len(freqs)-1]),
		}
	}

	idx := sort.Search(len(freqs), func(i int) bool { return freqs[i] >= freq })
	if freqs[idx] == freq {
		return p.termAtIndex(idx), nil
	}

	lo, hi := idx-1, idx
	t := float64(freq-freqs[lo]) / float64(freqs[hi]-freqs[lo])
	a, b := p.termAtIndex(lo), p.termAtIndex(hi)
	return termSet{
		e00: lerpComplex(a.e00, b.e00, t),
		e11: lerpComplex(a.e11, b.e11, t),
		rt:  lerpComplex(a.rt, b.rt, t),
		tt:  lerpComplex(a.tt, b.tt, t),
		lm:  lerpComplex(a.lm, b.lm, t),
		iso: lerpComplex(a.iso, b.iso, t),
	}, nil
}

func (p *CalibrationProfile) termAtIndex(i int) termSet {
	t := termSet{
		e00: p.Terms.Directivity[i],
		e11: p.Terms.SourceMatch[i],
		rt:  p.Terms.ReflectionTracking[i],
	}
	if len(p.Terms.TransmissionTracking) > i {
		t.tt = p.Terms.TransmissionTracking[i]
		t.lm = p.Terms.LoadMatch[i]
		t.iso = p.Terms.Isolation[i]
	}
	return t
}

// lerpComplex интерполирует действительную и мнимую части независимо.
func lerpComplex(a, b complex128, t float64) complex128 {
	return complex(
		real(a)+(real(b)-real(a))*t,
		imag(a)+(imag(b)-imag(a))*t,
	)
}

// sameGrid проверяет совпадение частотных сеток двух измерений.
func sameGrid(a, b *Sweep) error {
	if len(a.Points) != len(b.Points) {
		return &CalibrationError{Reason: CalGridMismatch, Detail: "частотные сетки эталонов не совпадают по размеру"}
	}
	for i := range a.Points {
		if a.Points[i].Frequency != b.Points[i].Frequency {
			return &CalibrationError{Reason: CalGridMismatch, Detail: fmt.Sprintf("частотные сетки эталонов расходятся на индексе %d", i)}
		}
	}
	return nil
}

// solve3 решает систему a*x = b по правилу Крамера.
func solve3(a [3][3]complex128, b [3]complex128) (x0, x1, x2 complex128, err error) {
	det := det3(a)
	if det == 0 || cmplx.IsNaN(det) {
		return 0, 0, 0, fmt.Errorf("вырожденная матрица")
	}
	x0 = det3(replaceColumn(a, b, 0)) / det
	x1 = det3(replaceColumn(a, b, 1)) / det
	x2 = det3(replaceColumn(a, b, 2)) / det
	return x0, x1, x2, nil
}

func det3(a [3][3]complex128) complex128 {
	return a[0][0]*(a[1][1]*a[2][2]-a[1][2]*a[2][1]) -
		a[0][1]*(a[1][0]*a[2][2]-a[1][2]*a[2][0]) +
		a[0][2]*(a[1][0]*a[2][1]-a[1][1]*a[2][0])
}

func replaceColumn(a [3][3]complex128, b [3]complex128, col int) [3][3]complex128 {
	for row := 0; row < 3; row++ {
		a[row][col] = b[row]
	}
	return a
}
