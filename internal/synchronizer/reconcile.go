package synchronizer

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/openmined/drivesync/internal/actions"
	"github.com/openmined/drivesync/internal/compare"
	"github.com/openmined/drivesync/internal/entity"
	"github.com/openmined/drivesync/internal/localfs"
	"github.com/openmined/drivesync/internal/remote"
)

// reconcile brings one child of job in line. The sidecar lock on its path is
// held throughout.
func (p *pass) reconcile(job folderJob, e *entry) error {
	rel := path.Join(job.rel, e.name)
	unlock := p.store.Lock(rel)
	defer unlock()

	ent, err := p.entity(rel, e)
	if err != nil {
		return err
	}

	// a record whose item was replaced by another one under the same name
	// counts as unpaired; the record still says whether the local copy moved
	if !ent.Paired() || (e.item != nil && ent.RemoteID != e.item.ID) {
		return p.reconcileUnpaired(job, ent, e)
	}
	return p.reconcilePaired(job, ent, e.local, e.item)
}

func (p *pass) entity(rel string, e *entry) (*entity.Entity, error) {
	if e.local == nil {
		return entity.FromRecord(p.fs, e.rec, rel), nil
	}
	return entity.FromEntry(p.fs, e.rec, *e.local)
}

func (p *pass) reconcileUnpaired(job folderJob, ent *entity.Entity, e *entry) error {
	rel := ent.Path
	switch {
	case e.item != nil && e.local != nil:
		return p.adopt(job, ent, *e.local, e.item)

	case e.item != nil:
		slog.Debug("sync", "op", compare.NewRemote, "path", rel)
		if err := p.createLocal(rel, e.item); err != nil {
			return err
		}
		p.report.created(rel)
		return nil

	case e.local != nil:
		slog.Debug("sync", "op", compare.NewLocal, "path", rel)
		return p.newLocal(job, *e.local)
	}
	return nil
}

// adopt pairs a local entry with a remote item of the same name that the
// sidecar does not link to it.
func (p *pass) adopt(job folderJob, ent *entity.Entity, local localfs.Entry, item *remote.Item) error {
	rel := ent.Path
	if local.Dir || item.Folder {
		if !(local.Dir && item.Folder) {
			return fmt.Errorf("%w: %s is a %s locally and a %s remotely", ErrConflictDetected, rel, ent.Kind, itemKind(item))
		}
		if err := p.store.Set(newRecord(rel, item, local, "")); err != nil {
			return err
		}
		p.enqueue(folderJob{rel: rel, remoteID: item.ID})
		return nil
	}

	if sameContent(ent, item) {
		slog.Debug("sync", "op", "adopt", "path", rel, "remoteId", item.ID)
		return p.store.Set(newRecord(rel, item, local, ent.ContentHash))
	}

	// the local copy is what we synced last time: the remote replacement wins
	if (ent.Record != nil && !ent.LocallyModified()) || !p.opts.TwoWay {
		if err := p.download(rel, item); err != nil {
			return err
		}
		p.report.updated(rel)
		return nil
	}
	return p.resolveConflict(job, ent, item)
}

func (p *pass) newLocal(job folderJob, local localfs.Entry) error {
	rel := local.Path
	if !p.opts.TwoWay {
		if p.opts.PreserveUnsynced {
			p.report.skipped(rel)
			return nil
		}
		if _, err := p.removeLocal(rel, local.Dir, false); err != nil {
			return err
		}
		slog.Info("sync", "op", "delete local", "path", rel, "reason", "not on remote")
		p.report.deleted(rel)
		return nil
	}

	if local.Dir {
		item, err := (&actions.CreateFolder{
			Env:      p.env,
			Name:     local.Name,
			Parent:   remote.ByID(job.remoteID),
			Conflict: remote.ConflictFail,
		}).Call(p.ctx)
		if remote.IsConflict(err) {
			return fmt.Errorf("%w: %s was created remotely meanwhile", ErrConflictDetected, rel)
		}
		if err != nil {
			return step("create folder", err)
		}
		if err := p.store.Set(newRecord(rel, item, local, "")); err != nil {
			return err
		}
		slog.Info("sync", "op", "create remote folder", "path", rel)
		p.report.created(rel)
		p.enqueue(folderJob{rel: rel, remoteID: item.ID})
		return nil
	}

	if err := p.upload(job, rel, remote.ConflictFail); err != nil {
		return err
	}
	p.report.created(rel)
	return nil
}

func (p *pass) reconcilePaired(job folderJob, ent *entity.Entity, local *localfs.Entry, item *remote.Item) error {
	rel := ent.Path
	status := compare.Compare(compare.SnapshotOf(ent), item, compare.OriginLocal)
	slog.Debug("sync", "op", "compare", "path", rel, "status", status)

	switch status {
	case compare.DeletedRemote:
		if !ent.Exists {
			return p.store.DeleteTree(rel)
		}
		return p.deletedRemote(job, ent)
	case compare.DeletedLocal:
		return p.deletedLocal(ent, item)
	case compare.Renamed:
		return p.renameLocal(job, ent, item)
	}

	if (ent.Kind == entity.Folder) != item.Folder {
		return fmt.Errorf("%w: %s is a %s locally and a %s remotely", ErrConflictDetected, rel, ent.Kind, itemKind(item))
	}
	if item.Folder {
		if err := p.refresh(ent, *local, item); err != nil {
			return err
		}
		p.enqueue(folderJob{rel: rel, remoteID: item.ID})
		return nil
	}

	if sameContent(ent, item) {
		return p.refresh(ent, *local, item)
	}

	switch p.direction(status, ent, item) {
	case transferConflict:
		return p.resolveConflict(job, ent, item)
	case transferPush:
		if err := p.upload(job, rel, remote.ConflictReplace); err != nil {
			return err
		}
		p.report.updated(rel)
		return nil
	case transferPull:
		if err := p.download(rel, item); err != nil {
			return err
		}
		p.report.updated(rel)
		return nil
	}
	return p.refresh(ent, *local, item)
}

type transfer int

const (
	transferNone transfer = iota
	transferPull
	transferPush
	transferConflict
)

// direction turns the verdict for a paired file into a transfer. A timestamp
// verdict gives way when the record shows the side it points at is untouched,
// so a skewed clock never discards an edit. One-way passes never push.
func (p *pass) direction(status compare.Status, ent *entity.Entity, item *remote.Item) transfer {
	if compare.Diverged(ent, item) {
		if p.opts.TwoWay {
			return transferConflict
		}
		return transferPull
	}

	localChanged := ent.LocallyModified()
	remoteChanged := compare.RemoteChanged(ent.Record, item)

	var t transfer
	switch status {
	case compare.NotModified:
		return transferNone
	case compare.Older:
		t = transferPull
		if localChanged && !remoteChanged {
			t = transferPush
		}
	case compare.Newer:
		t = transferPush
		if remoteChanged && !localChanged {
			t = transferPull
		}
	default:
		// equal timestamps: the record says which side moved
		switch {
		case remoteChanged:
			t = transferPull
		case localChanged:
			t = transferPush
		default:
			return transferNone
		}
	}

	if t == transferPush && !p.opts.TwoWay {
		return transferPull
	}
	return t
}

func (p *pass) deletedRemote(job folderJob, ent *entity.Entity) error {
	rel := ent.Path
	if ent.Kind == entity.File && ent.LocallyModified() {
		if !p.opts.TwoWay {
			slog.Info("sync", "op", "keep local", "path", rel, "reason", "modified since sync")
			p.report.skipped(rel)
			return nil
		}
		// edited here, deleted there: the edit wins
		if err := p.upload(job, rel, remote.ConflictFail); err != nil {
			return err
		}
		p.report.created(rel)
		return nil
	}

	kept, err := p.removeLocal(rel, ent.Kind == entity.Folder, true)
	if err != nil {
		return err
	}
	if kept {
		p.report.skipped(rel)
		return nil
	}
	slog.Info("sync", "op", "delete local", "path", rel, "reason", "deleted remotely")
	p.report.deleted(rel)
	return nil
}

func (p *pass) deletedLocal(ent *entity.Entity, item *remote.Item) error {
	rel := ent.Path
	restore := !p.opts.TwoWay || compare.RemoteChanged(ent.Record, item)
	if !restore && item.Folder {
		changed, err := p.remoteFolderChanged(rel, item)
		if err != nil {
			return err
		}
		restore = changed
	}

	if restore {
		slog.Info("sync", "op", "restore local", "path", rel)
		if item.Folder {
			// children come back as new remote entries, not as local deletions
			if err := p.store.DeleteTree(rel); err != nil {
				return err
			}
		}
		if err := p.createLocal(rel, item); err != nil {
			return err
		}
		p.report.created(rel)
		return nil
	}

	if _, err := (&actions.Delete{Env: p.env, Target: remote.ByID(item.ID), TolerateMissing: true}).Call(p.ctx); err != nil {
		return step("delete remote", err)
	}
	if err := p.store.DeleteTree(rel); err != nil {
		return err
	}
	slog.Info("sync", "op", "delete remote", "path", rel)
	p.report.deleted(rel)
	return nil
}

// remoteFolderChanged reports whether a folder holds children the last sync
// did not see, which makes deleting it lose data.
func (p *pass) remoteFolderChanged(rel string, item *remote.Item) (bool, error) {
	children, err := p.env.List(p.ctx, remote.ByID(item.ID))
	if err != nil {
		return false, step("list", err)
	}
	for _, c := range children {
		rec, err := p.store.Get(path.Join(rel, c.Name))
		if err != nil {
			return false, err
		}
		if rec == nil || rec.RemoteID != c.ID || compare.RemoteChanged(rec, c) {
			return true, nil
		}
	}
	return false, nil
}

func (p *pass) renameLocal(job folderJob, ent *entity.Entity, item *remote.Item) error {
	from := ent.Path
	to := path.Join(job.rel, item.Name)

	if err := p.fs.Rename(from, to); err != nil {
		if _, exists, _ := p.fs.Stat(to); exists {
			return fmt.Errorf("%w: cannot rename %s, %s exists", ErrConflictDetected, from, to)
		}
		return step("rename local", err)
	}
	if err := p.store.Rename(from, to); err != nil {
		return err
	}
	slog.Info("sync", "op", "rename local", "from", from, "path", to)
	p.report.renamed(to)

	unlock := p.store.Lock(to)
	defer unlock()

	// the content may have changed along with the name
	moved, err := entity.Load(p.fs, p.store, to)
	if err != nil || !moved.Exists {
		return err
	}
	local := moved.Entry()
	return p.reconcilePaired(job, moved, &local, item)
}

func sameContent(ent *entity.Entity, item *remote.Item) bool {
	if compare.SameHash(ent.ContentHash, item.Hash) {
		return true
	}
	// backends without hashes: trust size and timestamp
	return item.Hash == "" && ent.Exists && ent.Size == item.Size &&
		ent.LocalModTime.Truncate(compare.Precision).Equal(item.LastModified.Truncate(compare.Precision))
}

func itemKind(item *remote.Item) entity.Kind {
	if item.Folder {
		return entity.Folder
	}
	return entity.File
}
