package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen возвращается при отклонении вызова открытым breaker'ом.
// Удалённая функция при этом НЕ вызывается.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State - состояние circuit breaker
type State int32

const (
	StateClosed   State = iota // вызовы проходят
	StateOpen                  // вызовы отклоняются без обращения к API
	StateHalfOpen              // один пробный вызов после recovery timeout
)

// String возвращает имя состояния для логов и API
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker - трёхсостоянный изолятор отказов для вызовов к бирже
//
// Переходы:
// - CLOSED: каждая ошибка инкрементирует счётчик последовательных отказов,
//   каждый успех декрементирует его (floor 0) - одиночные сбои "заживают"
//   без полного сброса истории. При достижении failureThreshold → OPEN.
// - OPEN: вызовы отклоняются мгновенно (ErrCircuitOpen) пока не истечёт
//   recoveryTimeout с момента последнего отказа; следующий вызов после
//   этого пропускается как пробный → HALF_OPEN.
// - HALF_OPEN: ровно один пробный вызов. Успех → CLOSED (счётчик отказов
//   обнуляется). Ошибка → OPEN со свежей меткой времени.
type CircuitBreaker struct {
	mu sync.Mutex

	state            State
	failures         int       // последовательные отказы
	lastFailure      time.Time // момент последнего отказа
	failureThreshold int
	recoveryTimeout  time.Duration

	// Статистика для наблюдаемости
	totalCalls    int64
	failedCalls   int64
	rejectedCalls int64

	// Callback на смену состояния (метрики, логи)
	onStateChange func(from, to State)
}

// New создаёт circuit breaker
//
// Параметры:
//   - failureThreshold: количество последовательных отказов до открытия
//   - recoveryTimeout: пауза перед пробным вызовом
func New(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// OnStateChange устанавливает callback на смену состояния
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Call выполняет fn через breaker
//
// Возвращает:
//   - ErrCircuitOpen: вызов отклонён, fn не вызывалась
//   - ошибку fn: вызов прошёл, отказ учтён
//   - nil: успех
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		cb.mu.Lock()
		cb.rejectedCalls++
		cb.mu.Unlock()
		return ErrCircuitOpen
	}

	cb.mu.Lock()
	cb.totalCalls++
	cb.mu.Unlock()

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// allow решает, пропускать ли вызов, и выполняет переход OPEN → HALF_OPEN
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		// Пробный вызов уже в полёте - остальные отклоняем
		return false
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.recoveryTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// recordFailure учитывает отказ вызова
func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failedCalls++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		// Пробный вызов провалился - снова в OPEN со свежим таймером
		cb.transition(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// recordSuccess учитывает успешный вызов
func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.failures = 0
		cb.transition(StateClosed)
	case StateClosed:
		// Успех частично "лечит" одиночные сбои
		if cb.failures > 0 {
			cb.failures--
		}
	}
}

// transition переключает состояние. ВАЖНО: вызывается под lock'ом
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	if cb.onStateChange != nil {
		// Callback вызываем без lock'а чтобы не словить deadlock
		go cb.onStateChange(from, to)
	}
}

// State возвращает текущее состояние
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures возвращает текущий счётчик последовательных отказов
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset принудительно переводит breaker в CLOSED и обнуляет счётчик отказов
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.transition(StateClosed)
}

// Stats - статистика breaker'а
type Stats struct {
	State         string `json:"state"`
	Failures      int    `json:"consecutive_failures"`
	TotalCalls    int64  `json:"total_calls"`
	FailedCalls   int64  `json:"failed_calls"`
	RejectedCalls int64  `json:"rejected_calls"`
}

// Stats возвращает снимок статистики
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:         cb.state.String(),
		Failures:      cb.failures,
		TotalCalls:    cb.totalCalls,
		FailedCalls:   cb.failedCalls,
		RejectedCalls: cb.rejectedCalls,
	}
}
