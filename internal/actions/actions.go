// Package actions holds the remote operations a sync pass performs. Each
// action is one retryable unit; none of them touch local state, so callers
// update sidecar records after a successful Call.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openmined/drivesync/internal/backoff"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/upload"
)

type Action interface {
	fmt.Stringer
	Call(ctx context.Context) (*remote.Item, error)
}

// Env carries what every action needs to reach the remote drive.
type Env struct {
	Service remote.Service
	// Retrier runs each call with a fresh backoff strategy; nil retries
	// transient errors with the package defaults.
	Retrier        *backoff.Retrier
	RequestTimeout time.Duration
}

func (e *Env) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	retrier := e.Retrier
	if retrier == nil {
		retrier = backoff.New(backoff.DefaultMaxAttempts, remote.IsTransient)
	}
	return retrier.Do(ctx, op, func(ctx context.Context) error {
		if e.RequestTimeout <= 0 {
			return fn(ctx)
		}
		rctx, cancel := context.WithTimeout(ctx, e.RequestTimeout)
		defer cancel()
		return fn(rctx)
	})
}

// Stat fetches one item. Reads are not actions but retry the same way.
func (e *Env) Stat(ctx context.Context, addr remote.Address) (*remote.Item, error) {
	var item *remote.Item
	err := e.run(ctx, "get item", func(ctx context.Context) error {
		var err error
		item, err = e.Service.GetItem(ctx, addr)
		return err
	})
	return item, err
}

// List returns the children of the folder at addr.
func (e *Env) List(ctx context.Context, addr remote.Address) ([]*remote.Item, error) {
	var items []*remote.Item
	err := e.run(ctx, "list children", func(ctx context.Context) error {
		var err error
		items, err = e.Service.ListChildren(ctx, addr, remote.ListOptions{})
		return err
	})
	return items, err
}

type CreateFolder struct {
	*Env
	Name     string
	Parent   remote.Address
	Conflict remote.ConflictBehavior
}

func (a *CreateFolder) String() string {
	return fmt.Sprintf("create folder %s under %s", a.Name, a.Parent)
}

func (a *CreateFolder) Call(ctx context.Context) (*remote.Item, error) {
	var item *remote.Item
	err := a.run(ctx, "create folder", func(ctx context.Context) error {
		var err error
		item, err = a.Service.CreateFolder(ctx, a.Name, a.Parent, a.Conflict)
		return err
	})
	return item, err
}

// Delete removes Target. With TolerateMissing an already absent item counts
// as deleted.
type Delete struct {
	*Env
	Target          remote.Address
	TolerateMissing bool
}

func (a *Delete) String() string { return "delete " + a.Target.String() }

func (a *Delete) Call(ctx context.Context) (*remote.Item, error) {
	err := a.run(ctx, "delete", func(ctx context.Context) error {
		return a.Service.DeleteItem(ctx, a.Target)
	})
	if err != nil && a.TolerateMissing && remote.IsNotFound(err) {
		slog.Debug("delete", "target", a.Target, "message", "already absent")
		return nil, nil
	}
	return nil, err
}

// Upload sends Content through Uploader and closes it afterwards, whatever
// the outcome. Retries happen inside the uploader.
type Upload struct {
	Content  remote.Content
	Parent   remote.Address
	Conflict remote.ConflictBehavior
	Uploader *upload.Uploader
}

func (a *Upload) String() string {
	return fmt.Sprintf("upload %s under %s", a.Content.Descriptor().Name, a.Parent)
}

func (a *Upload) Call(ctx context.Context) (item *remote.Item, err error) {
	defer func() {
		if cerr := a.Content.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", a.Content.Descriptor().Name, cerr)
		}
	}()
	return a.Uploader.Upload(ctx, a.Content, a.Parent, a.Conflict)
}

// rewinder is satisfied by files, which lets a failed download restart from
// the beginning.
type rewinder interface {
	io.Seeker
	Truncate(size int64) error
}

// Download streams Source into Writer. A retry after bytes were written
// needs a Writer that can be truncated; otherwise the first error is final.
type Download struct {
	*Env
	Source remote.Address
	Writer io.Writer
	// Item is returned by Call as the downloaded item, when the caller knows it.
	Item    *remote.Item
	Written int64
}

var ErrPartialWrite = errors.New("download cannot be restarted")

func (a *Download) String() string { return "download " + a.Source.String() }

func (a *Download) Call(ctx context.Context) (*remote.Item, error) {
	err := a.run(ctx, "download", func(ctx context.Context) error {
		if a.Written > 0 {
			if err := a.rewind(); err != nil {
				return err
			}
		}
		n, err := a.Service.Download(ctx, a.Source, a.Writer)
		a.Written = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return a.Item, nil
}

func (a *Download) rewind() error {
	w, ok := a.Writer.(rewinder)
	if !ok {
		return fmt.Errorf("%w: %d bytes already written", ErrPartialWrite, a.Written)
	}
	if err := w.Truncate(0); err != nil {
		return err
	}
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	a.Written = 0
	return nil
}

type Move struct {
	*Env
	Target    remote.Address
	NewParent remote.Address
}

func (a *Move) String() string {
	return fmt.Sprintf("move %s to %s", a.Target, a.NewParent)
}

func (a *Move) Call(ctx context.Context) (*remote.Item, error) {
	var item *remote.Item
	err := a.run(ctx, "move", func(ctx context.Context) error {
		var err error
		item, err = a.Service.MoveItem(ctx, a.Target, a.NewParent)
		return err
	})
	return item, err
}

type Rename struct {
	*Env
	Target  remote.Address
	NewName string
}

func (a *Rename) String() string {
	return fmt.Sprintf("rename %s to %s", a.Target, a.NewName)
}

func (a *Rename) Call(ctx context.Context) (*remote.Item, error) {
	var item *remote.Item
	err := a.run(ctx, "rename", func(ctx context.Context) error {
		var err error
		item, err = a.Service.RenameItem(ctx, a.Target, a.NewName)
		return err
	})
	return item, err
}
