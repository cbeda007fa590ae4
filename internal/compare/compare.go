// Package compare classifies a local entity against a fresh remote item.
// It has no clock: the verdict depends only on its inputs.
package compare

import (
	"fmt"
	"strings"
	"time"

	"github.com/openmined/drivesync/internal/entity"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/sidecar"
)

type Status int

const (
	NotModified Status = iota
	NewLocal
	NewRemote
	Older
	Newer
	Renamed
	DeletedRemote
	DeletedLocal
	// Modified means equal timestamps with differing or unknown content.
	// The caller picks the direction.
	Modified
)

var statusNames = [...]string{
	NotModified:   "NOT_MODIFIED",
	NewLocal:      "NEW_LOCAL",
	NewRemote:     "NEW_REMOTE",
	Older:         "OLDER",
	Newer:         "NEWER",
	Renamed:       "RENAMED",
	DeletedRemote: "DELETED_REMOTE",
	DeletedLocal:  "DELETED_LOCAL",
	Modified:      "MODIFIED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Origin is the side whose walk produced the entry.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Timestamps are compared at this precision; the drive APIs report whole seconds.
const Precision = time.Second

// Snapshot is the local state fed to Compare.
type Snapshot struct {
	Kind     entity.Kind
	Name     string
	RemoteID string
	Exists   bool
	// LastModified is the entity's effective modification time.
	LastModified time.Time
	ContentHash  string
}

func SnapshotOf(e *entity.Entity) Snapshot {
	return Snapshot{
		Kind:         e.Kind,
		Name:         e.Name,
		RemoteID:     e.RemoteID,
		Exists:       e.Exists,
		LastModified: e.EffectiveModified(),
		ContentHash:  e.ContentHash,
	}
}

// Compare returns the verdict for local against item. item is nil when the
// remote no longer has the paired item. Rules apply in order: pairing,
// existence, identity, timestamps, content.
func Compare(local Snapshot, item *remote.Item, origin Origin) Status {
	if local.RemoteID == "" {
		if origin == OriginRemote {
			return NewRemote
		}
		return NewLocal
	}

	if item == nil {
		return DeletedRemote
	}
	if !local.Exists {
		return DeletedLocal
	}

	if local.Name != item.Name && local.RemoteID == item.ID {
		return Renamed
	}

	if local.Kind.Container() {
		return NotModified
	}

	l := local.LastModified.Truncate(Precision)
	r := item.LastModified.Truncate(Precision)
	switch {
	case l.Before(r):
		return Older
	case l.After(r):
		return Newer
	}

	if SameHash(local.ContentHash, item.Hash) {
		return NotModified
	}
	return Modified
}

// SameHash reports whether both hashes are known and equal.
func SameHash(a, b string) bool {
	return a != "" && b != "" && strings.EqualFold(a, b)
}

// RemoteChanged reports whether item differs from what rec recorded.
func RemoteChanged(rec *sidecar.Record, item *remote.Item) bool {
	if rec == nil {
		return true
	}
	if item.Folder {
		return false
	}
	if item.Hash != "" && rec.Hash != "" {
		return !strings.EqualFold(item.Hash, rec.Hash)
	}
	return !item.LastModified.Truncate(Precision).Equal(rec.RemoteModified.Truncate(Precision))
}

// Diverged reports a bilateral change: both the local file and the remote
// item moved away from the last synced state.
func Diverged(local *entity.Entity, item *remote.Item) bool {
	if item == nil || local.Record == nil || !local.Exists || local.Kind != entity.File {
		return false
	}
	return local.LocallyModified() && RemoteChanged(local.Record, item)
}
