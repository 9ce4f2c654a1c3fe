package orchestrator

import "github.com/vietddude/roundwatcher/internal/core/domain"

// FindGaps returns the missing ranges between consecutive entries of the
// ascending round list. Duplicates are ignored.
func FindGaps(indexed []uint64) []domain.Gap {
	var gaps []domain.Gap
	for i := 1; i < len(indexed); i++ {
		prev, next := indexed[i-1], indexed[i]
		if next > prev+1 {
			gaps = append(gaps, domain.Gap{Start: prev + 1, End: next - 1})
		}
	}
	return gaps
}
