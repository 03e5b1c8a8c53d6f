package syncer

import (
	"encoding/json"
	"time"

	"github.com/and161185/dayplan/internal/model"
)

// Result describes one reconcile.
type Result struct {
	Snapshot   *model.Snapshot // what was written to both sides
	PushOnly   bool            // remote was absent; local export pushed as is
	Conflicts  int             // ids present on both sides
	LocalWins  int
	RemoteWins int
}

// Merge combines a local export with the remote snapshot. It does not
// modify its inputs.
//
// Blocks are last-writer-wins by id with local winning ties. Settings are
// local-wins per key without timestamps. Suppression sets are unioned per
// date, so nothing is ever unhidden by a merge. A nil remote yields the
// local snapshot with only the timestamp replaced.
func Merge(local, remote *model.Snapshot, now time.Time) (*model.Snapshot, Result) {
	if local == nil {
		local = &model.Snapshot{}
	}
	if remote == nil {
		out := local.Clone()
		out.Normalize()
		out.Timestamp = now.UTC()
		return out, Result{Snapshot: out, PushOnly: true}
	}

	var res Result
	blocks := make(map[string]model.Block, len(remote.Blocks)+len(local.Blocks))
	for _, b := range remote.Blocks {
		blocks[b.ID] = b
	}
	for _, b := range local.Blocks {
		r, ok := blocks[b.ID]
		if !ok {
			blocks[b.ID] = b
			continue
		}
		res.Conflicts++
		if r.UpdatedAt.After(b.UpdatedAt) {
			res.RemoteWins++
			continue
		}
		res.LocalWins++
		blocks[b.ID] = b
	}

	settings := make(map[string]json.RawMessage, len(remote.Settings)+len(local.Settings))
	for _, s := range remote.Settings {
		settings[s.Key] = s.Value
	}
	for _, s := range local.Settings {
		settings[s.Key] = s.Value
	}

	hidden := make(map[string][]string, len(remote.HiddenRoutines)+len(local.HiddenRoutines))
	for d, ids := range remote.HiddenRoutines {
		hidden[d] = append(hidden[d], ids...)
	}
	for d, ids := range local.HiddenRoutines {
		hidden[d] = append(hidden[d], ids...)
	}

	out := &model.Snapshot{
		Blocks:         make([]model.Block, 0, len(blocks)),
		Settings:       make([]model.Setting, 0, len(settings)),
		HiddenRoutines: hidden,
		Timestamp:      now.UTC(),
	}
	for _, b := range blocks {
		out.Blocks = append(out.Blocks, b)
	}
	for k, v := range settings {
		out.Settings = append(out.Settings, model.Setting{Key: k, Value: append(json.RawMessage(nil), v...)})
	}
	out.Normalize()
	res.Snapshot = out
	return out, res
}
