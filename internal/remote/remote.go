// Package remote defines the remote drive the synchronizer talks to: item and
// session types, addressing, conflict behaviour and the Service interface that
// the graph, s3drive and memdrive backends implement.
package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openmined/drivesync/internal/ranges"
)

type AddressKind int

const (
	AddressByID AddressKind = iota
	AddressByPath
	AddressSpecial
)

// Address locates a remote item by id, by path from the drive root, or
// relative to a well-known special folder.
type Address struct {
	Kind  AddressKind
	Value string
}

func ByID(id string) Address { return Address{Kind: AddressByID, Value: id} }

func ByPath(p string) Address {
	return Address{Kind: AddressByPath, Value: "/" + strings.Trim(p, "/")}
}

func Special(name string) Address { return Address{Kind: AddressSpecial, Value: name} }

// Root addresses the drive root.
func Root() Address { return ByPath("/") }

func (a Address) IsRoot() bool {
	return a.Kind == AddressByPath && a.Value == "/"
}

func (a Address) String() string {
	switch a.Kind {
	case AddressByID:
		return "id:" + a.Value
	case AddressSpecial:
		return "special:" + a.Value
	default:
		return "path:" + a.Value
	}
}

// Item is a file or folder on the remote drive.
type Item struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ParentID     string    `json:"parentId,omitempty"`
	Folder       bool      `json:"folder,omitempty"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	// Hash is the lowercase hex sha1 of the content; empty for folders or
	// when the backend does not report one.
	Hash string `json:"hash,omitempty"`
	ETag string `json:"eTag,omitempty"`
}

func (i *Item) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", i.Name, i.ID)
}

// UploadSession is a server-side allocation that accepts the fragments of one
// file. NextExpected is nil once the server holds every byte.
type UploadSession struct {
	UploadURL    string            `json:"uploadUrl"`
	Expiry       time.Time         `json:"expiry"`
	NextExpected *ranges.Range     `json:"nextExpected,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
// A zero expiry never expires.
func (s *UploadSession) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// FragmentResult is the server reply to one fragment: either the next range
// it expects, or the completed item after the final fragment.
type FragmentResult struct {
	NextExpected *ranges.Range
	Item         *Item
}

func (r *FragmentResult) Completed() bool { return r != nil && r.Item != nil }

// ContentDescriptor describes the bytes of a file about to be uploaded.
type ContentDescriptor struct {
	Name    string
	Size    int64
	ModTime time.Time
	Hash    string
	// Path is the local file behind the content, if any. It keys resume records.
	Path string
}

// Content is a borrowed, read-only byte source for an upload. The upload
// action closes it once the transfer completes or fails.
type Content interface {
	io.ReaderAt
	io.Closer
	Descriptor() ContentDescriptor
}

// Reader returns a reader over the whole content.
func Reader(c Content) io.Reader {
	return io.NewSectionReader(c, 0, c.Descriptor().Size)
}

// ConflictBehavior selects what the remote does when a name already exists.
type ConflictBehavior int

const (
	ConflictFail ConflictBehavior = iota
	ConflictReplace
	ConflictRename
)

func (c ConflictBehavior) String() string {
	switch c {
	case ConflictReplace:
		return "replace"
	case ConflictRename:
		return "rename"
	default:
		return "fail"
	}
}

func ParseConflictBehavior(s string) (ConflictBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail":
		return ConflictFail, nil
	case "replace":
		return ConflictReplace, nil
	case "rename", "":
		return ConflictRename, nil
	default:
		return ConflictFail, fmt.Errorf("unknown conflict behavior %q", s)
	}
}

type ListOptions struct {
	// PageSize caps the number of items per request; zero lets the backend choose.
	PageSize int
}

// Service is the remote drive. Every method may block on the network and
// honours ctx cancellation.
type Service interface {
	GetItem(ctx context.Context, addr Address) (*Item, error)
	ListChildren(ctx context.Context, addr Address, opts ListOptions) ([]*Item, error)
	CreateFolder(ctx context.Context, name string, parent Address, conflict ConflictBehavior) (*Item, error)
	UploadSimple(ctx context.Context, content Content, parent Address, conflict ConflictBehavior) (*Item, error)
	CreateUploadSession(ctx context.Context, desc ContentDescriptor, parent Address, conflict ConflictBehavior) (*UploadSession, error)
	GetUploadSession(ctx context.Context, session *UploadSession) (*UploadSession, error)
	UploadFragment(ctx context.Context, session *UploadSession, r ranges.Range, body io.Reader) (*FragmentResult, error)
	CancelUploadSession(ctx context.Context, session *UploadSession) error
	DeleteItem(ctx context.Context, addr Address) error
	MoveItem(ctx context.Context, addr Address, newParent Address) (*Item, error)
	RenameItem(ctx context.Context, addr Address, newName string) (*Item, error)
	Download(ctx context.Context, addr Address, w io.Writer) (int64, error)
}
