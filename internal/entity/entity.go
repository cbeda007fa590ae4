// Package entity models the local side of one synced path for a single pass:
// what exists on disk joined with what the sidecar recorded at the last sync.
package entity

import (
	"fmt"
	"path"
	"time"

	"github.com/openmined/drivesync/internal/localfs"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/sidecar"
)

type Kind int

const (
	Drive Kind = iota
	Folder
	File
)

func (k Kind) String() string {
	switch k {
	case Drive:
		return "drive"
	case Folder:
		return "folder"
	case File:
		return "file"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Container reports whether entities of this kind hold children.
func (k Kind) Container() bool { return k == Drive || k == Folder }

// Entity is a local file, folder or the sync root.
type Entity struct {
	Kind    Kind
	Path    string // relative to the sync root, slash separated
	AbsPath string
	Name    string
	Exists  bool

	RemoteID       string
	ParentRemoteID string
	// LastKnownModified is the remote timestamp recorded at the last sync.
	LastKnownModified time.Time
	ContentHash       string

	Size         int64
	LocalModTime time.Time

	Record *sidecar.Record
}

// Load reads rel from the filesystem and the sidecar store.
func Load(fsys *localfs.FS, store *sidecar.Store, rel string) (*Entity, error) {
	rec, err := store.Get(rel)
	if err != nil {
		return nil, err
	}
	e, ok, err := fsys.Stat(rel)
	if err != nil {
		return nil, err
	}
	if !ok {
		return FromRecord(fsys, rec, rel), nil
	}
	return FromEntry(fsys, rec, e)
}

// FromEntry builds an entity for an existing local entry. Files get a content
// hash, reused from rec when size and mtime still match it.
func FromEntry(fsys *localfs.FS, rec *sidecar.Record, e localfs.Entry) (*Entity, error) {
	ent := &Entity{
		Kind:         kindOf(e.Path, e.Dir),
		Path:         e.Path,
		AbsPath:      fsys.Abs(e.Path),
		Name:         e.Name,
		Exists:       true,
		Size:         e.Size,
		LocalModTime: e.ModTime,
	}
	ent.attach(rec)

	if ent.Kind != File {
		return ent, nil
	}
	if rec != nil && !rec.Folder && rec.Hash != "" && rec.LocalUnchanged(e.Size, e.ModTime) {
		ent.ContentHash = rec.Hash
		return ent, nil
	}
	hash, err := fsys.Hash(e.Path)
	if err != nil {
		return nil, err
	}
	ent.ContentHash = hash
	return ent, nil
}

// FromRecord builds an entity for a path that no longer exists locally.
// rec may be nil, giving an entity that is neither on disk nor paired.
func FromRecord(fsys *localfs.FS, rec *sidecar.Record, rel string) *Entity {
	ent := &Entity{
		Kind:    File,
		Path:    rel,
		AbsPath: fsys.Abs(rel),
		Name:    path.Base(rel),
	}
	if rel == "" {
		ent.Kind, ent.Name = Drive, ""
	}
	ent.attach(rec)
	if rec != nil {
		ent.ContentHash = rec.Hash
		if rec.Folder && ent.Kind == File {
			ent.Kind = Folder
		}
	}
	return ent
}

func (e *Entity) attach(rec *sidecar.Record) {
	e.Record = rec
	if rec == nil {
		return
	}
	e.RemoteID = rec.RemoteID
	e.ParentRemoteID = rec.ParentRemoteID
	e.LastKnownModified = rec.RemoteModified
}

// Paired reports whether the entity has a remote counterpart on record.
func (e *Entity) Paired() bool { return e.RemoteID != "" }

// Entry is the local listing entry the entity was built from.
func (e *Entity) Entry() localfs.Entry {
	return localfs.Entry{
		Path:    e.Path,
		Name:    e.Name,
		Dir:     e.Kind.Container(),
		Size:    e.Size,
		ModTime: e.LocalModTime,
	}
}

// LocallyModified reports whether the local file differs from what was
// recorded at the last sync. A touched file with the same bytes is unchanged.
func (e *Entity) LocallyModified() bool {
	if !e.Exists || e.Kind != File {
		return false
	}
	if e.Record == nil {
		return true
	}
	if e.Record.LocalUnchanged(e.Size, e.LocalModTime) {
		return false
	}
	return e.ContentHash == "" || e.ContentHash != e.Record.Hash
}

// EffectiveModified is the timestamp compared against the remote: the
// recorded remote time while the local content is unchanged, the local mtime
// once it has changed.
func (e *Entity) EffectiveModified() time.Time {
	if e.Record != nil && !e.LocallyModified() {
		return e.LastKnownModified
	}
	return e.LocalModTime
}

// NewRecord is the sidecar record written after rel was synced with item.
// localHash stands in when the remote reports no hash.
func NewRecord(rel string, item *remote.Item, local localfs.Entry, localHash string) *sidecar.Record {
	hash := item.Hash
	if hash == "" {
		hash = localHash
	}
	return &sidecar.Record{
		Path:           rel,
		Name:           local.Name,
		Folder:         item.Folder,
		RemoteID:       item.ID,
		ParentRemoteID: item.ParentID,
		Hash:           hash,
		Size:           local.Size,
		RemoteModified: item.LastModified,
		LocalModTime:   local.ModTime,
	}
}

func kindOf(rel string, dir bool) Kind {
	switch {
	case rel == "":
		return Drive
	case dir:
		return Folder
	default:
		return File
	}
}
