package cache

import (
	"sync"
	"time"
)

// Cache - TTL + LRU кэш для рыночных данных
//
// Назначение: экранировать остальную систему от повторных запросов к бирже.
// TTL задаётся на каждую запись (вызывающий выбирает TTL по волатильности
// данных: свечи длинных периодов кэшируются дольше).
//
// Инварианты:
// - Запись логически отсутствует как только now - createdAt > ttl,
//   независимо от физического наличия в map
// - Get по просроченной записи удаляет её и засчитывает miss
// - Set нового ключа при заполненном кэше вытесняет ровно одну запись
//   с самым старым lastAccessedAt
//
// Один mutex на весь кэш: конкурентные фетчи не должны гонять
// bookkeeping TTL/вытеснения.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int

	hits      int64
	misses    int64
	evictions int64
}

// entry - запись кэша
type entry struct {
	value          interface{}
	createdAt      time.Time
	ttl            time.Duration
	lastAccessedAt time.Time
	accessCount    int64
}

// expired проверяет истечение TTL записи
func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// New создаёт кэш с заданной ёмкостью
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 100
	}
	return &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
	}
}

// Get возвращает значение по ключу
//
// Возвращает (nil, false) если ключа нет или запись просрочена;
// просроченная запись при этом физически удаляется.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	now := time.Now()
	if e.expired(now) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	e.lastAccessedAt = now
	e.accessCount++
	c.hits++
	return e.value, true
}

// Set сохраняет значение с индивидуальным TTL
//
// При вставке нового ключа в заполненный кэш вытесняется запись
// с самым старым временем доступа (LRU).
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Обновление существующего ключа не требует вытеснения
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.createdAt = now
		e.ttl = ttl
		e.lastAccessedAt = now
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}

	c.entries[key] = &entry{
		value:          value,
		createdAt:      now,
		ttl:            ttl,
		lastAccessedAt: now,
	}
}

// evictOldest вытесняет запись с самым старым lastAccessedAt
// ВАЖНО: вызывается под lock'ом
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, e := range c.entries {
		if first || e.lastAccessedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastAccessedAt
			first = false
		}
	}

	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Delete удаляет запись
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// CleanupExpired удаляет все просроченные записи, возвращает их количество
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len возвращает количество физически хранимых записей
// (включая просроченные, ещё не вычищенные)
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats - счётчики кэша
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Stats возвращает снимок счётчиков
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	ratio := 0.0
	if total := c.hits + c.misses; total > 0 {
		ratio = float64(c.hits) / float64(total)
	}

	return Stats{
		Size:      len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRatio:  ratio,
	}
}

// HitRatio возвращает долю попаданий [0..1]
func (c *Cache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
