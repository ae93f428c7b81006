package bot

import "winiswin/internal/models"

// ValidTransitions определяет допустимые переходы жизненного цикла позиции
var ValidTransitions = map[string][]string{
	models.StateAbsent:  {models.StateOpening, models.StateOpen}, // Open напрямую при восстановлении после рестарта
	models.StateOpening: {models.StateOpen, models.StateAbsent},  // Absent при отказе входного ордера
	models.StateOpen:    {models.StateClosing},
	models.StateClosing: {models.StateAbsent},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case models.StateAbsent:
		return "Слот свободен"
	case models.StateOpening:
		return "Открытие позиции..."
	case models.StateOpen:
		return "Позиция открыта, мониторинг активен"
	case models.StateClosing:
		return "Закрытие позиции..."
	default:
		return "Неизвестное состояние"
	}
}

// HoldsSlot возвращает true если состояние занимает торговый слот
func HoldsSlot(s string) bool {
	return s == models.StateOpening || s == models.StateOpen || s == models.StateClosing
}
