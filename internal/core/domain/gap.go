package domain

import "fmt"

// Gap is a closed interval of round numbers known to be unindexed.
type Gap struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (g Gap) String() string {
	return fmt.Sprintf("%d-%d", g.Start, g.End)
}

// Size returns the number of rounds in the gap.
func (g Gap) Size() uint64 {
	return g.End - g.Start + 1
}

// Contains reports whether round falls inside the gap.
func (g Gap) Contains(round uint64) bool {
	return round >= g.Start && round <= g.End
}

// Rounds expands the gap into its round numbers.
func (g Gap) Rounds() []uint64 {
	out := make([]uint64, 0, g.Size())
	for r := g.Start; r <= g.End; r++ {
		out = append(out, r)
	}
	return out
}

// Split splits the gap into chunks of at most maxSize rounds.
func (g Gap) Split(maxSize uint64) []Gap {
	if maxSize == 0 || g.Size() <= maxSize {
		return []Gap{g}
	}

	var chunks []Gap
	for current := g.Start; current <= g.End; {
		end := min(current+maxSize-1, g.End)
		chunks = append(chunks, Gap{Start: current, End: end})
		current = end + 1
	}
	return chunks
}
