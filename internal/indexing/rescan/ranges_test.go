package rescan

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"
)

func TestParseRanges(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Range
		wantErr bool
	}{
		{name: "range and single", input: "10-20,35", want: []Range{{10, 20}, {35, 35}}},
		{name: "spaces", input: " 1 - 3 , 7 ", want: []Range{{1, 3}, {7, 7}}},
		{name: "overlapping", input: "5-10,8-12", want: []Range{{5, 12}}},
		{name: "adjacent", input: "1-3,4-6", want: []Range{{1, 6}}},
		{name: "unsorted", input: "30,1-2", want: []Range{{1, 2}, {30, 30}}},
		{name: "trailing comma", input: "4,", want: []Range{{4, 4}}},
		{name: "empty", input: "", wantErr: true},
		{name: "reversed", input: "20-10", wantErr: true},
		{name: "garbage", input: "ten", wantErr: true},
		{name: "open ended", input: "10-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRanges(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected an error for %q, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRanges(%q): %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRanges(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRange_Split(t *testing.T) {
	got := Range{Start: 1, End: 10}.Split(4)
	want := []Range{{1, 4}, {5, 8}, {9, 10}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %v, want %v", got, want)
	}

	if got := (Range{Start: 3, End: 3}).String(); got != "3" {
		t.Errorf("Expected single round string, got %q", got)
	}
}

type fakeResetter struct {
	calls [][]uint64
	err   error
}

func (f *fakeResetter) ResetStatus(ctx context.Context, rounds []uint64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, rounds)
	return len(rounds), nil
}

type fakeDropper struct {
	dropped []uint64
}

func (f *fakeDropper) Delete(ctx context.Context, rounds []uint64) error {
	f.dropped = append(f.dropped, rounds...)
	return nil
}

func TestReindex(t *testing.T) {
	repo := &fakeResetter{}
	drop := &fakeDropper{}
	log := slog.New(slog.DiscardHandler)

	n, err := Reindex(context.Background(), repo, drop, []Range{{1, 5}, {4, 7}, {20, 20}}, 3, log)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if n != 8 {
		t.Errorf("Expected 8 rounds reset, got %d", n)
	}
	want := [][]uint64{{1, 2, 3}, {4, 5, 6}, {7}, {20}}
	if !reflect.DeepEqual(repo.calls, want) {
		t.Errorf("Expected chunks %v, got %v", want, repo.calls)
	}
	if !reflect.DeepEqual(drop.dropped, []uint64{1, 2, 3, 4, 5, 6, 7, 20}) {
		t.Errorf("Expected every round dropped, got %v", drop.dropped)
	}

	repo.err = errors.New("db down")
	if _, err := Reindex(context.Background(), repo, nil, []Range{{1, 2}}, 0, log); !errors.Is(err, repo.err) {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}
