package utils

import (
	"math"
)

// math.go - математические утилиты для расчёта ордеров
//
// Все функции чистые, без побочных эффектов.

// RoundToStep округляет значение ВНИЗ до ближайшего кратного step.
//
// Используется для округления объёма ордера до шага лота биржи.
// Округление вниз гарантирует, что не превысим выделенную маржу.
//
// Примеры:
//   - RoundToStep(0.123456, 0.001) = 0.123
//   - RoundToStep(1.999, 0.01) = 1.99
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	// Погрешность float64 при делении может дать 2.9999999,
	// добавляем epsilon перед Floor
	steps := math.Floor(value/step + 1e-9)
	return steps * step
}

// RoundToStepUp округляет значение ВВЕРХ до ближайшего кратного step.
//
// Используется когда нужен гарантированный минимум (minQty, minNotional).
func RoundToStepUp(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	steps := math.Ceil(value/step - 1e-9)
	return steps * step
}

// StepsBetween возвращает количество шагов step между from и to (to > from).
//
// Используется для проверки "сколько шагов нужно добавить до minNotional".
func StepsBetween(from, to, step float64) int {
	if step <= 0 || to <= from {
		return 0
	}
	return int(math.Ceil((to - from) / step * (1 - 1e-9)))
}

// PercentChange возвращает изменение в процентах от base к current.
//
// Положительное значение = рост, отрицательное = падение.
// Если base <= 0, возвращает 0.
func PercentChange(base, current float64) float64 {
	if base <= 0 {
		return 0
	}
	return (current - base) / base * 100
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}
