// Package rescan parses round ranges and resets them for re-indexing.
package rescan

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Range represents an inclusive range of rounds.
type Range struct {
	Start uint64
	End   uint64
}

// String returns the range in "start-end" format.
func (r Range) String() string {
	if r.Start == r.End {
		return strconv.FormatUint(r.Start, 10)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size returns the number of rounds in the range.
func (r Range) Size() uint64 {
	return r.End - r.Start + 1
}

// Rounds expands the range into round numbers.
func (r Range) Rounds() []uint64 {
	out := make([]uint64, 0, r.Size())
	for n := r.Start; n <= r.End; n++ {
		out = append(out, n)
	}
	return out
}

// Split splits the range into chunks of maxSize.
func (r Range) Split(maxSize uint64) []Range {
	if maxSize == 0 || r.Size() <= maxSize {
		return []Range{r}
	}

	var chunks []Range
	current := r.Start

	for current <= r.End {
		chunkEnd := min(current+maxSize-1, r.End)
		chunks = append(chunks, Range{Start: current, End: chunkEnd})
		if chunkEnd == r.End {
			break
		}
		current = chunkEnd + 1
	}

	return chunks
}

// Overlaps checks if two ranges overlap or are adjacent.
func (r Range) Overlaps(other Range) bool {
	return r.Start <= other.End+1 && other.Start <= r.End+1
}

// Merge merges two overlapping/adjacent ranges.
func (r Range) Merge(other Range) Range {
	return Range{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

// MergeRanges merges overlapping and adjacent ranges. The input is sorted in place.
func MergeRanges(ranges []Range) []Range {
	if len(ranges) <= 1 {
		return ranges
	}

	slices.SortFunc(ranges, func(a, b Range) int {
		return cmp.Compare(a.Start, b.Start)
	})

	merged := []Range{ranges[0]}

	for _, current := range ranges[1:] {
		last := &merged[len(merged)-1]
		if last.Overlaps(current) {
			*last = last.Merge(current)
		} else {
			merged = append(merged, current)
		}
	}

	return merged
}

// ParseRange parses "start-end" or a single round number.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	lo, hi, isRange := strings.Cut(s, "-")

	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range format: %q", s)
	}
	if !isRange {
		return Range{Start: start, End: start}, nil
	}

	end, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range format: %q", s)
	}
	if start > end {
		return Range{}, fmt.Errorf("start > end: %d > %d", start, end)
	}
	return Range{Start: start, End: end}, nil
}

// ParseRanges parses a comma separated list such as "10-20,35" and merges
// overlapping entries.
func ParseRanges(s string) ([]Range, error) {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no ranges given")
	}
	ranges, err := RangesFromStrings(parts)
	if err != nil {
		return nil, err
	}
	return MergeRanges(ranges), nil
}

// RangesFromStrings parses multiple range strings.
func RangesFromStrings(strs []string) ([]Range, error) {
	ranges := make([]Range, 0, len(strs))
	for _, s := range strs {
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
