package synchronizer

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/openmined/drivesync/internal/actions"
	"github.com/openmined/drivesync/internal/entity"
	"github.com/openmined/drivesync/internal/localfs"
	"github.com/openmined/drivesync/internal/remote"
)

// ConflictPolicy decides what a two-way pass does when both sides changed
// the same file.
type ConflictPolicy int

const (
	// PolicyRename keeps both copies: the local one is marked and uploaded
	// beside the remote one, which is downloaded to the original name.
	PolicyRename ConflictPolicy = iota
	// PolicyReplace uploads the local copy over the remote one.
	PolicyReplace
	// PolicyFail leaves both sides alone and reports the conflict.
	PolicyFail
)

func (p ConflictPolicy) String() string {
	switch p {
	case PolicyReplace:
		return "replace"
	case PolicyFail:
		return "fail"
	default:
		return "rename"
	}
}

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rename":
		return PolicyRename, nil
	case "replace":
		return PolicyReplace, nil
	case "fail":
		return PolicyFail, nil
	}
	return PolicyRename, fmt.Errorf("unknown conflict policy %q", s)
}

// resolveConflict applies the policy to a file changed on both sides.
func (p *pass) resolveConflict(job folderJob, ent *entity.Entity, item *remote.Item) error {
	rel := ent.Path
	slog.Warn("sync conflict", "path", rel, "policy", p.policy, "remoteId", item.ID)

	switch p.policy {
	case PolicyFail:
		return fmt.Errorf("%w: %s changed on both sides", ErrConflictDetected, rel)

	case PolicyReplace:
		if err := p.upload(job, rel, remote.ConflictReplace); err != nil {
			return err
		}
		p.report.conflict(rel)
		p.report.updated(rel)
		return nil
	}

	marked, err := p.fs.SetMarker(rel, localfs.Conflict)
	if err != nil {
		return err
	}
	content, err := p.fs.Open(marked)
	if err != nil {
		return err
	}
	copied, err := (&actions.Upload{
		Content:  content,
		Parent:   remote.ByID(job.remoteID),
		Conflict: remote.ConflictRename,
		Uploader: p.uploader,
	}).Call(p.ctx)
	if err != nil {
		return fmt.Errorf("upload conflict copy %s: %w", marked, err)
	}
	slog.Info("sync conflict copy", "path", marked, "remote", path.Join(job.rel, copied.Name))

	if err := p.download(rel, item); err != nil {
		return err
	}
	p.report.conflict(rel)
	p.report.updated(rel)
	return nil
}
