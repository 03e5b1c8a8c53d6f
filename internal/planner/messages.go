package planner

import (
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/syncer"
)

// Message is published on Planner.Messages after state changes.
type Message interface{ message() }

// BlockChanged reports a stored block written or removed by an operation.
type BlockChanged struct {
	Block   model.Block
	Deleted bool
}

// DayRefreshed carries the newly resolved current day.
type DayRefreshed struct {
	Day model.Day
}

// SyncStatusChanged mirrors the sync engine status.
type SyncStatusChanged struct {
	Status syncer.Status
	Err    error
}

func (BlockChanged) message()      {}
func (DayRefreshed) message()      {}
func (SyncStatusChanged) message() {}
