package bot

import (
	"sort"

	"winiswin/internal/models"
)

// RankSignals сортирует сигналы по выбранной метрике (по убыванию)
//
// Стабильная сортировка: при равной метрике сохраняется входной порядок.
// Исходный слайс не мутируется.
func RankSignals(signals []*models.Signal, mode string) []*models.Signal {
	ranked := make([]*models.Signal, len(signals))
	copy(ranked, signals)

	switch mode {
	case models.RankByROI:
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].ExpectedROI > ranked[j].ExpectedROI
		})
	default:
		// confidence - режим по умолчанию
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Confidence > ranked[j].Confidence
		})
	}

	return ranked
}

// TakeTop возвращает первые n сигналов (не больше чем есть)
func TakeTop(signals []*models.Signal, n int) []*models.Signal {
	if n < 0 {
		n = 0
	}
	if n > len(signals) {
		n = len(signals)
	}
	return signals[:n]
}
