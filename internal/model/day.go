package model

import (
	"sort"

	"github.com/and161185/dayplan/internal/clock"
)

// Events is what a remote source feed returns for one day.
// AllDay bypasses the time grid and never takes part in overlap checks.
type Events struct {
	Blocks []Block
	AllDay []Block
}

// Day is the resolved view of one calendar day.
type Day struct {
	Date     string
	Blocks   []Block
	AllDay   []Block
	Warnings []string // non-fatal degradations (e.g. local store unavailable)

	// Fetched is the remote-source set the feed returned on this resolve,
	// before merging with cached copies. Empty when the feed had nothing.
	Fetched []Block
}

// Ordered returns the blocks in display order: background lane (templates,
// remote-source) first, then local blocks, each by ascending start time.
func (d Day) Ordered() []Block {
	out := append([]Block(nil), d.Blocks...)
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := out[i].Origin.Background(), out[j].Origin.Background()
		if bi != bj {
			return bi
		}
		si, _ := clock.ParseHM(out[i].StartTime)
		sj, _ := clock.ParseHM(out[j].StartTime)
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Find returns the block with id, if visible.
func (d Day) Find(id string) (Block, bool) {
	for _, b := range d.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return Block{}, false
}
