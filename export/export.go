// Package export persists the per-sender aggregates and makes them
// available to readers.
package export

import (
	"errors"

	"github.com/hb9tf/whitespace/sdr"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store is closed")

// Store holds one sdr.Record per sender id. Implementations serialise
// writes; Snapshot may be called concurrently with the writer.
type Store interface {
	// GetOrCreate returns the record of id, or a fresh zero record
	// (Count 0) when there is none yet.
	GetOrCreate(id string) (sdr.Record, error)
	// Put replaces the record of id.
	Put(id string, rec sdr.Record) error
	// MarkNotAlive clears the Alive flag of id, keeping its statistics.
	MarkNotAlive(id string) error
	// Snapshot returns deep copies of all records ordered by sender id.
	Snapshot() ([]sdr.Record, error)
	Close() error
}

// SenderID is the key a sender's record is stored under.
func SenderID(s sdr.Sender) string {
	return s.Addr
}
