package model

import (
	"encoding/json"
	"sort"
	"time"
)

// HiddenKeyPrefix prefixes the per-day suppression set key.
const HiddenKeyPrefix = "hidden:"

// HiddenKey returns the key under which date's suppression set is stored.
func HiddenKey(date string) string { return HiddenKeyPrefix + date }

// Setting is a simple key/value record carried by snapshots.
type Setting struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Snapshot is the unit of synchronization. Its JSON shape is shared with
// previously written remote blobs and must stay as is.
type Snapshot struct {
	Blocks         []Block             `json:"blocks"`
	Settings       []Setting           `json:"settings"`
	HiddenRoutines map[string][]string `json:"hiddenRoutines"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Normalize replaces nil collections with empty ones and sorts content so
// equal snapshots marshal identically.
func (s *Snapshot) Normalize() {
	if s.Blocks == nil {
		s.Blocks = []Block{}
	}
	if s.Settings == nil {
		s.Settings = []Setting{}
	}
	if s.HiddenRoutines == nil {
		s.HiddenRoutines = map[string][]string{}
	}
	sort.Slice(s.Blocks, func(i, j int) bool { return s.Blocks[i].ID < s.Blocks[j].ID })
	sort.Slice(s.Settings, func(i, j int) bool { return s.Settings[i].Key < s.Settings[j].Key })
	for d, ids := range s.HiddenRoutines {
		s.HiddenRoutines[d] = uniqueSorted(ids)
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Blocks:         append([]Block(nil), s.Blocks...),
		Settings:       make([]Setting, len(s.Settings)),
		HiddenRoutines: make(map[string][]string, len(s.HiddenRoutines)),
		Timestamp:      s.Timestamp,
	}
	for i, st := range s.Settings {
		out.Settings[i] = Setting{Key: st.Key, Value: append(json.RawMessage(nil), st.Value...)}
	}
	for d, ids := range s.HiddenRoutines {
		out.HiddenRoutines[d] = append([]string(nil), ids...)
	}
	return out
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
