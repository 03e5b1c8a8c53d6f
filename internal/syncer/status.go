package syncer

// Status is the user-visible state of synchronization.
type Status int

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusSuccess
	StatusError
	StatusOffline
	StatusSignedOut
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusOffline:
		return "offline"
	case StatusSignedOut:
		return "signed-out"
	}
	return "unknown"
}
