package synchronizer

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/drivesync/internal/actions"
	"github.com/openmined/drivesync/internal/entity"
	"github.com/openmined/drivesync/internal/localfs"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/sidecar"
)

// createLocal materialises a remote item at rel. Folders are created before
// their children are queued.
func (p *pass) createLocal(rel string, item *remote.Item) error {
	if !item.Folder {
		return p.download(rel, item)
	}
	local, err := p.fs.Mkdir(rel)
	if err != nil {
		return step("mkdir", err)
	}
	if err := p.store.Set(newRecord(rel, item, local, "")); err != nil {
		return err
	}
	p.enqueue(folderJob{rel: rel, remoteID: item.ID})
	return nil
}

// download replaces rel with the remote content and pins its mtime to the
// remote timestamp, so the next pass sees it unchanged.
func (p *pass) download(rel string, item *remote.Item) error {
	local, err := p.fs.WriteAtomic(rel, item.LastModified, func(w io.Writer) error {
		_, err := (&actions.Download{Env: p.env, Source: remote.ByID(item.ID), Writer: w, Item: item}).Call(p.ctx)
		return err
	})
	if err != nil {
		return step("download", err)
	}

	var hash string
	if item.Hash == "" {
		if hash, err = p.fs.Hash(rel); err != nil {
			return err
		}
	}
	slog.Info("sync", "op", "download", "path", rel, "size", humanize.IBytes(uint64(local.Size)))
	return p.store.Set(newRecord(rel, item, local, hash))
}

// upload sends the file at rel into the job's remote folder. The record keeps
// the size and mtime seen when the file was opened, so edits made during the
// transfer show up as local changes next time.
func (p *pass) upload(job folderJob, rel string, conflict remote.ConflictBehavior) error {
	content, err := p.fs.Open(rel)
	if err != nil {
		return step("open", err)
	}
	desc := content.Descriptor()

	item, err := (&actions.Upload{
		Content:  content,
		Parent:   remote.ByID(job.remoteID),
		Conflict: conflict,
		Uploader: p.uploader,
	}).Call(p.ctx)
	if remote.IsConflict(err) {
		return fmt.Errorf("%w: %s already exists remotely", ErrConflictDetected, rel)
	}
	if err != nil {
		return step("upload", err)
	}

	local := localfs.Entry{Path: rel, Name: path.Base(rel), Size: desc.Size, ModTime: desc.ModTime}
	slog.Info("sync", "op", "upload", "path", rel, "size", humanize.IBytes(uint64(desc.Size)), "conflict", conflict)
	return p.store.Set(newRecord(rel, item, local, desc.Hash))
}

// removeLocal deletes rel, children first. With keepModified, files changed
// since their last sync survive along with the directories holding them;
// kept reports whether anything did.
func (p *pass) removeLocal(rel string, dir, keepModified bool) (kept bool, err error) {
	if !dir {
		if keepModified {
			modified, err := p.modifiedSinceSync(rel)
			if err != nil {
				return false, err
			}
			if modified {
				slog.Info("sync", "op", "keep local", "path", rel, "reason", "modified since sync")
				return true, nil
			}
		}
		if err := p.fs.Remove(rel); err != nil {
			return false, step("remove", err)
		}
		return false, p.store.Delete(rel)
	}

	children, err := p.fs.List(rel)
	if err != nil {
		return false, step("list", err)
	}
	for _, c := range children {
		if keepModified && p.ignore.ShouldIgnore(c.Path, c.Dir) {
			kept = true
			continue
		}
		k, err := p.removeLocal(c.Path, c.Dir, keepModified)
		if err != nil {
			return kept, err
		}
		kept = kept || k
	}

	if kept {
		// two-way passes recreate the folder remotely around what was kept;
		// one-way passes keep the record so the folder stays deleted-remote
		if p.opts.TwoWay {
			return true, p.store.Delete(rel)
		}
		return true, nil
	}
	if err := p.fs.Remove(rel); err != nil {
		return false, step("remove", err)
	}
	return false, p.store.DeleteTree(rel)
}

func (p *pass) modifiedSinceSync(rel string) (bool, error) {
	rec, err := p.store.Get(rel)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	local, ok, err := p.fs.Stat(rel)
	if err != nil || !ok {
		return false, err
	}
	ent, err := entity.FromEntry(p.fs, rec, local)
	if err != nil {
		return false, err
	}
	return ent.LocallyModified(), nil
}

// refresh rewrites a record whose fields drifted while the content did not,
// such as a touched file or a remote timestamp bump.
func (p *pass) refresh(ent *entity.Entity, local localfs.Entry, item *remote.Item) error {
	want := newRecord(ent.Path, item, local, ent.ContentHash)
	if sameRecord(ent.Record, want) {
		return nil
	}
	slog.Debug("sync", "op", "refresh", "path", ent.Path)
	return p.store.Set(want)
}

// newRecord is entity.NewRecord without the size and mtime of directories,
// which move whenever a child does.
func newRecord(rel string, item *remote.Item, local localfs.Entry, localHash string) *sidecar.Record {
	if local.Dir || item.Folder {
		local.Size = 0
		local.ModTime = time.Time{}
	}
	return entity.NewRecord(rel, item, local, localHash)
}

func sameRecord(a, b *sidecar.Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Path == b.Path &&
		a.Name == b.Name &&
		a.Folder == b.Folder &&
		a.RemoteID == b.RemoteID &&
		a.ParentRemoteID == b.ParentRemoteID &&
		a.Hash == b.Hash &&
		a.Size == b.Size &&
		a.RemoteModified.Equal(b.RemoteModified) &&
		a.LocalModTime.Equal(b.LocalModTime)
}
