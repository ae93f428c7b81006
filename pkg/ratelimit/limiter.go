package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter - Token Bucket rate limiter для контроля частоты запросов к API биржи
//
// Алгоритм Token Bucket:
// - Ведро наполняется токенами с постоянной скоростью (rate токенов/сек)
// - Максимальная ёмкость ведра = capacity (позволяет короткие всплески)
// - Каждый запрос потребляет заявленный вес в токенах
// - Если токенов нет, запрос ждёт до таймаута контекста или отклоняется
//
// Инварианты:
// - tokens никогда не уходит в минус и никогда не превышает capacity
// - пополнение монотонно по прошедшему времени:
//   tokens = min(capacity, tokens + elapsedSeconds * rate)
//
// Отказ по таймауту - это denial (granted=false), не ошибка: вызывающий
// обязан трактовать его как "данные недоступны в этом цикле".
type Limiter struct {
	rate       float64   // токенов в секунду
	capacity   float64   // максимальная ёмкость
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex

	denials int64 // счётчик отказов (atomic)
	grants  int64 // счётчик выдач (atomic)
}

// NewLimiter создаёт новый rate limiter
//
// Параметры:
//   - rate: количество токенов в секунду
//   - capacity: ёмкость ведра (обычно 1.5-2x от rate)
func NewLimiter(rate, capacity float64) *Limiter {
	if rate <= 0 {
		rate = 10
	}
	if capacity <= 0 {
		capacity = rate * 2
	}
	if capacity < rate {
		capacity = rate
	}

	return &Limiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены на основе прошедшего времени
// ВАЖНО: вызывается под lock'ом
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()

	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}

	l.lastRefill = now
}

// Acquire блокирует до получения n токенов или отмены контекста
//
// Возвращает:
//   - true: токены списаны, можно выполнять запрос
//   - false: таймаут/отмена контекста (denial, счётчик отказов инкрементирован)
func (l *Limiter) Acquire(ctx context.Context, n float64) bool {
	if n <= 0 {
		return true
	}

	for {
		l.mu.Lock()
		l.refill()

		if l.tokens >= n {
			l.tokens -= n
			l.mu.Unlock()
			atomic.AddInt64(&l.grants, 1)
			return true
		}

		// Время ожидания до накопления недостающих токенов
		waitTime := time.Duration((n - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		select {
		case <-time.After(waitTime):
			// Повторяем попытку
		case <-ctx.Done():
			atomic.AddInt64(&l.denials, 1)
			return false
		}
	}
}

// TryAcquire проверяет доступность n токенов без блокировки
func (l *Limiter) TryAcquire(n float64) bool {
	if n <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	if l.tokens >= n {
		l.tokens -= n
		atomic.AddInt64(&l.grants, 1)
		return true
	}

	atomic.AddInt64(&l.denials, 1)
	return false
}

// Tokens возвращает текущее количество доступных токенов
// Полезно для мониторинга и отладки
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// Denials возвращает количество отказов
func (l *Limiter) Denials() int64 {
	return atomic.LoadInt64(&l.denials)
}

// Grants возвращает количество успешных выдач
func (l *Limiter) Grants() int64 {
	return atomic.LoadInt64(&l.grants)
}

// Rate возвращает скорость пополнения токенов (токенов/сек)
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Capacity возвращает ёмкость ведра
func (l *Limiter) Capacity() float64 {
	return l.capacity
}

// SetRate изменяет скорость пополнения токенов
// Потокобезопасно
func (l *Limiter) SetRate(rate float64) {
	if rate <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill() // фиксируем текущие токены перед изменением rate
	l.rate = rate
}

// SetCapacity изменяет ёмкость ведра
func (l *Limiter) SetCapacity(capacity float64) {
	if capacity <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.capacity = capacity
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// ============================================================
// MultiLimiter - независимые ведра по классам эндпоинтов
// ============================================================

// MultiLimiter управляет несколькими rate limiters
//
// У биржи разные лимиты для разных типов запросов:
//   - order endpoints: консервативное ведро (например, 5 req/sec)
//   - market data: более свободное ведро (например, 20 req/sec)
//
// Вызывающий выбирает ведро по имени класса и заявляет вес запроса.
type MultiLimiter struct {
	limiters map[string]*Limiter
	mu       sync.RWMutex
}

// Стандартные классы эндпоинтов
const (
	ClassMarket = "market" // чтение рыночных данных
	ClassOrders = "orders" // размещение/отмена ордеров
)

// NewMultiLimiter создаёт новый MultiLimiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*Limiter),
	}
}

// Add добавляет ведро для класса запросов
func (ml *MultiLimiter) Add(class string, rate, capacity float64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.limiters[class] = NewLimiter(rate, capacity)
}

// Acquire ожидает n токенов для указанного класса
func (ml *MultiLimiter) Acquire(ctx context.Context, class string, n float64) bool {
	ml.mu.RLock()
	limiter, ok := ml.limiters[class]
	ml.mu.RUnlock()

	if !ok {
		return true // нет лимита для этого класса
	}

	return limiter.Acquire(ctx, n)
}

// TryAcquire проверяет доступность токенов для класса без блокировки
func (ml *MultiLimiter) TryAcquire(class string, n float64) bool {
	ml.mu.RLock()
	limiter, ok := ml.limiters[class]
	ml.mu.RUnlock()

	if !ok {
		return true
	}

	return limiter.TryAcquire(n)
}

// Get возвращает ведро для класса
func (ml *MultiLimiter) Get(class string) *Limiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.limiters[class]
}

// Denials возвращает суммарное количество отказов по всем классам
func (ml *MultiLimiter) Denials() int64 {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var total int64
	for _, l := range ml.limiters {
		total += l.Denials()
	}
	return total
}
