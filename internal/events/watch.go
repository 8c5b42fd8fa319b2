package events

// StorageAvailableChanged is emitted when a watched storage unit reports a
// different available capacity than on the previous poll.
type StorageAvailableChanged struct {
	ID  string
	Old uint64
	New uint64
}
