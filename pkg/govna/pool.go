// Этот файл содержит пул устройств — единственную точку истины о том,
// какие физические приборы существуют и кто с ними разговаривает.
package govna

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/momentics/vnakit/internal/util"
)

// TransportConfig описывает подключение к последовательному порту.
type TransportConfig struct {
	PortPath    string
	BaudRate    int
	ReadTimeout time.Duration
}

// PortOpener открывает байтовый транспорт. Подменяется в тестах
// скриптованным портом.
type PortOpener func(cfg TransportConfig) (util.SerialPortInterface, error)

// ProbeFunc создает драйвер по транспорту. Подменяется в тестах.
type ProbeFunc func(ctx context.Context, portPath string, port util.SerialPortInterface, readTimeout time.Duration) (Driver, error)

// RetryPolicy задает ограниченное число попыток переподключения с
// экспоненциальной выдержкой между ними.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy — политика переподключения по умолчанию.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
}

// delay возвращает выдержку перед попыткой attempt (нумерация с единицы).
func (r RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 || r.InitialDelay <= 0 {
		return r.InitialDelay
	}
	m := r.Multiplier
	if m < 1.0 {
		m = 1.0
	}
	d := float64(r.InitialDelay) * math.Pow(m, float64(attempt-1))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	return time.Duration(d)
}

// Pool выдает эксклюзивный доступ к устройствам: не более одной лизы на
// физический прибор в любой момент, чтобы обмены по одному транспорту
// никогда не переплетались. Сломанные подключения переоткрываются при
// следующем Acquire ограниченным числом попыток.
type Pool struct {
	devices *xsync.MapOf[string, *deviceSlot]
	opener  PortOpener
	probe   ProbeFunc
	retry   RetryPolicy
	logger  zerolog.Logger
}

type deviceSlot struct {
	id    string
	cfg   TransportConfig
	lease chan struct{} // емкость 1: занятый канал означает выданную лизу

	mu     sync.Mutex // защищает поля ниже
	handle DeviceHandle
	drv    Driver
	port   util.SerialPortInterface
	broken bool
}

// invalidate закрывает транспорт и помечает слот для переподключения.
// Вызывается под mu.
func (s *deviceSlot) invalidate() {
	if s.drv != nil {
		s.drv.Close()
		s.drv = nil
		s.port = nil
	} else if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.broken = true
}

func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		devices: xsync.NewMapOf[string, *deviceSlot](),
		opener:  defaultOpener,
		probe:   Probe,
		retry:   DefaultRetryPolicy,
		logger:  logger,
	}
}

// SetRetryPolicy заменяет политику переподключения.
func (p *Pool) SetRetryPolicy(r RetryPolicy) {
	if r.Attempts > 0 {
		p.retry = r
	}
}

func defaultOpener(cfg TransportConfig) (util.SerialPortInterface, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	port, err := util.OpenPort(cfg.PortPath, baud)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	return port, nil
}

// Register открывает транспорт, однократно прогоняет фабрику драйверов и
// добавляет устройство в реестр под новым идентификатором. Контекст
// ограничивает пробу: отмена вызывающего запроса не оставляет висящую
// идентификацию.
func (p *Pool) Register(ctx context.Context, cfg TransportConfig) (DeviceHandle, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	port, err := p.opener(cfg)
	if err != nil {
		return DeviceHandle{}, err
	}
	drv, err := p.probe(ctx, cfg.PortPath, port, cfg.ReadTimeout)
	if err != nil {
		port.Close()
		return DeviceHandle{}, err
	}

	slot := &deviceSlot{
		id:    uuid.NewString(),
		cfg:   cfg,
		lease: make(chan struct{}, 1),
		drv:   drv,
		port:  port,
	}
	slot.handle = DeviceHandle{
		ID:           slot.id,
		PortPath:     cfg.PortPath,
		Protocol:     drv.Generation(),
		Identity:     drv.Identity(),
		Capabilities: drv.Capabilities(),
	}
	p.devices.Store(slot.id, slot)
	p.logger.Info().
		Str("device", slot.id).
		Str("port", cfg.PortPath).
		Str("protocol", string(drv.Generation())).
		Msg("устройство зарегистрировано в пуле")
	return slot.handle, nil
}

// Acquire выдает эксклюзивную лизу на устройство. Второй Acquire того же
// устройства блокируется до освобождения или истечения контекста.
// Истекший во время ожидания контекст не оставляет устройство ложно занятым.
func (p *Pool) Acquire(ctx context.Context, deviceID string) (*Lease, error) {
	slot, ok := p.devices.Load(deviceID)
	if !ok {
		return nil, &PoolError{DeviceID: deviceID, Reason: PoolNotFound}
	}

	select {
	case slot.lease <- struct{}{}:
	case <-ctx.Done():
		return nil, &PoolError{DeviceID: deviceID, Reason: PoolTimeout, Err: ctx.Err()}
	}

	slot.mu.Lock()
	if slot.broken || slot.drv == nil {
		if err := p.reconnect(ctx, slot); err != nil {
			slot.mu.Unlock()
			<-slot.lease
			return nil, err
		}
	}
	lease := &Lease{slot: slot, drv: slot.drv, handle: slot.handle, logger: p.logger}
	slot.mu.Unlock()
	return lease, nil
}

// reconnect переоткрывает транспорт и заново прогоняет фабрику драйверов,
// не более retry.Attempts попыток с экспоненциальной выдержкой.
// Вызывается под slot.mu при удерживаемой лизе.
func (p *Pool) reconnect(ctx context.Context, slot *deviceSlot) error {
	var lastErr error
	for attempt := 1; attempt <= p.retry.Attempts; attempt++ {
		slot.invalidate()

		port, err := p.opener(slot.cfg)
		if err == nil {
			var drv Driver
			drv, err = p.probe(ctx, slot.cfg.PortPath, port, slot.cfg.ReadTimeout)
			if err == nil {
				slot.port = port
				slot.drv = drv
				slot.broken = false
				slot.handle.Protocol = drv.Generation()
				slot.handle.Identity = drv.Identity()
				slot.handle.Capabilities = drv.Capabilities()
				p.logger.Info().
					Str("device", slot.id).
					Int("attempt", attempt).
					Msg("устройство переподключено")
				return nil
			}
			port.Close()
		}
		lastErr = err
		p.logger.Warn().
			Str("device", slot.id).
			Int("attempt", attempt).
			Err(err).
			Msg("попытка переподключения не удалась")

		if attempt < p.retry.Attempts {
			select {
			case <-time.After(p.retry.delay(attempt)):
			case <-ctx.Done():
				return &PoolError{DeviceID: slot.id, Reason: PoolTimeout, Err: ctx.Err()}
			}
		}
	}
	return &PoolError{DeviceID: slot.id, Reason: PoolDeviceUnavailable, Err: lastErr}
}

// List возвращает зарегистрированные устройства.
func (p *Pool) List() []DeviceHandle {
	handles := make([]DeviceHandle, 0)
	p.devices.Range(func(_ string, slot *deviceSlot) bool {
		slot.mu.Lock()
		handles = append(handles, slot.handle)
		slot.mu.Unlock()
		return true
	})
	return handles
}

// CloseAll закрывает транспорты всех устройств пула.
func (p *Pool) CloseAll() {
	p.devices.Range(func(_ string, slot *deviceSlot) bool {
		slot.mu.Lock()
		slot.invalidate()
		slot.mu.Unlock()
		return true
	})
}

// Lease — эксклюзивное право разговаривать с одним устройством.
// Освобождается на каждом пути выхода вызывающей операции.
type Lease struct {
	slot   *deviceSlot
	drv    Driver
	handle DeviceHandle
	logger zerolog.Logger
	once   sync.Once

	mu     sync.Mutex
	broken bool
}

// Driver возвращает драйвер арендованного устройства.
func (l *Lease) Driver() Driver { return l.drv }

// Handle возвращает дескриптор арендованного устройства.
func (l *Lease) Handle() DeviceHandle { return l.handle }

// MarkBroken помечает устройство сломанным: при освобождении лизы транспорт
// будет закрыт, а следующий Acquire запустит переподключение. Так порт
// никогда не остается в середине кадра без ведома пула.
func (l *Lease) MarkBroken(err error) {
	l.mu.Lock()
	l.broken = true
	l.mu.Unlock()
	l.logger.Warn().
		Str("device", l.slot.id).
		Err(err).
		Msg("устройство помечено сломанным держателем лизы")
}

// Release возвращает устройство пулу. Повторные вызовы безопасны.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		broken := l.broken
		l.mu.Unlock()
		if broken {
			l.slot.mu.Lock()
			l.slot.invalidate()
			l.slot.mu.Unlock()
		}
		<-l.slot.lease
	})
}
