// Package memdrive is an in-memory remote.Service. It backs the engine tests
// and mem:// dry runs, and can inject failures into any operation.
package memdrive

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/drivesync/internal/ranges"
	"github.com/openmined/drivesync/internal/remote"
)

const (
	OpGetItem             = "GetItem"
	OpListChildren        = "ListChildren"
	OpCreateFolder        = "CreateFolder"
	OpUploadSimple        = "UploadSimple"
	OpCreateUploadSession = "CreateUploadSession"
	OpGetUploadSession    = "GetUploadSession"
	OpUploadFragment      = "UploadFragment"
	OpCancelUploadSession = "CancelUploadSession"
	OpDeleteItem          = "DeleteItem"
	OpMoveItem            = "MoveItem"
	OpRenameItem          = "RenameItem"
	OpDownload            = "Download"

	RootID            = "root"
	DefaultSessionTTL = time.Hour
)

type node struct {
	item     remote.Item
	data     []byte
	parent   *node
	children map[string]*node
}

type session struct {
	token    string
	desc     remote.ContentDescriptor
	parentID string
	conflict remote.ConflictBehavior
	buf      []byte
	expiry   time.Time
}

type fault struct {
	err        error
	afterApply bool
}

// Drive is safe for concurrent use.
type Drive struct {
	// Now stamps LastModified on every write.
	Now        func() time.Time
	SessionTTL time.Duration
	// OnFragment runs after a fragment is applied, outside the lock.
	OnFragment func(r ranges.Range)

	mu        sync.Mutex
	root      *node
	byID      map[string]*node
	sessions  map[string]*session
	faults    map[string][]fault
	calls     map[string]int
	fragments []ranges.Range
}

var _ remote.Service = (*Drive)(nil)

func New() *Drive {
	root := &node{
		item:     remote.Item{ID: RootID, Folder: true},
		children: make(map[string]*node),
	}
	return &Drive{
		Now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		SessionTTL: DefaultSessionTTL,
		root:       root,
		byID:       map[string]*node{RootID: root},
		sessions:   make(map[string]*session),
		faults:     make(map[string][]fault),
		calls:      make(map[string]int),
	}
}

// FailNext makes the next call of op return err without side effects.
// Repeated calls queue further failures.
func (d *Drive) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], fault{err: err})
}

// FailAfterApply makes the next call of op apply its change and then return
// err, like a request that timed out after the server processed it.
func (d *Drive) FailAfterApply(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], fault{err: err, afterApply: true})
}

// Calls returns how many times op has been invoked.
func (d *Drive) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// MutationCount is the number of calls that can change the drive.
func (d *Drive) MutationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, op := range []string{OpCreateFolder, OpUploadSimple, OpCreateUploadSession, OpDeleteItem, OpMoveItem, OpRenameItem} {
		n += d.calls[op]
	}
	return n
}

func (d *Drive) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]int)
	d.fragments = nil
}

// Fragments lists every accepted fragment range in arrival order.
func (d *Drive) Fragments() []ranges.Range {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ranges.Range(nil), d.fragments...)
}

func (d *Drive) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// ExpireSessions drops every open upload session.
func (d *Drive) ExpireSessions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = make(map[string]*session)
}

// Put writes a file at p, creating parent folders. A zero mod uses Now.
func (d *Drive) Put(p string, data []byte, mod time.Time) *remote.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := d.mkdirAll(path.Dir(cleanPath(p)))
	name := path.Base(cleanPath(p))
	if mod.IsZero() {
		mod = d.Now()
	}

	if n, ok := parent.children[name]; ok && !n.item.Folder {
		d.setData(n, data, mod)
		item := n.item
		return &item
	}
	n := d.newNode(parent, name, false)
	d.setData(n, data, mod)
	item := n.item
	return &item
}

// Mkdir creates the folder p and its parents.
func (d *Drive) Mkdir(p string) *remote.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	item := d.mkdirAll(cleanPath(p)).item
	return &item
}

// Lookup returns the item at p.
func (d *Drive) Lookup(p string) (*remote.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.walk(cleanPath(p))
	if n == nil {
		return nil, false
	}
	item := n.item
	return &item, true
}

// Read returns the content of the file at p.
func (d *Drive) Read(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.walk(cleanPath(p))
	if n == nil || n.item.Folder {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Paths lists every item path below the root, sorted; folders end in "/".
func (d *Drive) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	var visit func(n *node, prefix string)
	visit = func(n *node, prefix string) {
		for name, c := range n.children {
			p := prefix + "/" + name
			if c.item.Folder {
				out = append(out, p+"/")
				visit(c, p)
			} else {
				out = append(out, p)
			}
		}
	}
	visit(d.root, "")
	sort.Strings(out)
	return out
}

func (d *Drive) GetItem(ctx context.Context, addr remote.Address) (*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(ctx, OpGetItem); err != nil {
		return nil, err
	}

	n, err := d.resolve(OpGetItem, addr)
	if err != nil {
		return nil, err
	}
	item := n.item
	return &item, nil
}

func (d *Drive) ListChildren(ctx context.Context, addr remote.Address, _ remote.ListOptions) ([]*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(ctx, OpListChildren); err != nil {
		return nil, err
	}

	n, err := d.resolveFolder(OpListChildren, addr)
	if err != nil {
		return nil, err
	}
	items := make([]*remote.Item, 0, len(n.children))
	for _, c := range n.children {
		item := c.item
		items = append(items, &item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (d *Drive) CreateFolder(ctx context.Context, name string, parent remote.Address, conflict remote.ConflictBehavior) (*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpCreateFolder)
	if err != nil {
		return nil, err
	}

	p, err := d.resolveFolder(OpCreateFolder, parent)
	if err != nil {
		return nil, err
	}
	if err := validName(OpCreateFolder, name); err != nil {
		return nil, err
	}

	if existing, ok := p.children[name]; ok {
		switch {
		case conflict == remote.ConflictFail:
			return nil, conflictError(OpCreateFolder, name)
		case conflict == remote.ConflictRename:
			name = uniqueName(p, name)
		case existing.item.Folder:
			item := existing.item
			return &item, d.after(f)
		default:
			d.remove(existing)
		}
	}

	n := d.newNode(p, name, true)
	n.item.LastModified = d.Now()
	item := n.item
	return &item, d.after(f)
}

func (d *Drive) UploadSimple(ctx context.Context, content remote.Content, parent remote.Address, conflict remote.ConflictBehavior) (*remote.Item, error) {
	desc := content.Descriptor()
	data, err := io.ReadAll(remote.Reader(content))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpUploadSimple)
	if err != nil {
		return nil, err
	}

	p, err := d.resolveFolder(OpUploadSimple, parent)
	if err != nil {
		return nil, err
	}
	n, err := d.commit(OpUploadSimple, p, desc.Name, data, conflict)
	if err != nil {
		return nil, err
	}
	item := n.item
	return &item, d.after(f)
}

func (d *Drive) CreateUploadSession(ctx context.Context, desc remote.ContentDescriptor, parent remote.Address, conflict remote.ConflictBehavior) (*remote.UploadSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpCreateUploadSession)
	if err != nil {
		return nil, err
	}

	p, err := d.resolveFolder(OpCreateUploadSession, parent)
	if err != nil {
		return nil, err
	}
	if err := validName(OpCreateUploadSession, desc.Name); err != nil {
		return nil, err
	}
	if desc.Size <= 0 {
		return nil, remote.NewError(OpCreateUploadSession, remote.KindBadRequest, "upload sessions need a non-empty file")
	}
	if _, ok := p.children[desc.Name]; ok && conflict == remote.ConflictFail {
		return nil, conflictError(OpCreateUploadSession, desc.Name)
	}

	s := &session{
		token:    uuid.NewString(),
		desc:     desc,
		parentID: p.item.ID,
		conflict: conflict,
		expiry:   d.Now().Add(d.SessionTTL),
	}
	d.sessions[s.token] = s

	full := ranges.Full(uint64(desc.Size))
	return &remote.UploadSession{
		UploadURL:    "mem://upload/" + s.token,
		Expiry:       s.expiry,
		NextExpected: &full,
	}, d.after(f)
}

func (d *Drive) GetUploadSession(ctx context.Context, us *remote.UploadSession) (*remote.UploadSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(ctx, OpGetUploadSession); err != nil {
		return nil, err
	}

	s, err := d.session(OpGetUploadSession, us)
	if err != nil {
		return nil, err
	}
	return &remote.UploadSession{
		UploadURL:    us.UploadURL,
		Expiry:       s.expiry,
		NextExpected: s.next(),
	}, nil
}

func (d *Drive) UploadFragment(ctx context.Context, us *remote.UploadSession, r ranges.Range, body io.Reader) (*remote.FragmentResult, error) {
	data, err := io.ReadAll(io.LimitReader(body, int64(r.Length())+1))
	if err != nil {
		return nil, remote.WrapError(OpUploadFragment, err)
	}

	res, err := d.applyFragment(ctx, us, r, data)
	if res != nil && d.OnFragment != nil {
		d.OnFragment(r)
	}
	return res, err
}

func (d *Drive) applyFragment(ctx context.Context, us *remote.UploadSession, r ranges.Range, data []byte) (*remote.FragmentResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpUploadFragment)
	if err != nil {
		return nil, err
	}

	s, err := d.session(OpUploadFragment, us)
	if err != nil {
		return nil, err
	}
	if r.Total != uint64(s.desc.Size) {
		return nil, remote.NewError(OpUploadFragment, remote.KindBadRequest,
			fmt.Sprintf("range total %d does not match file size %d", r.Total, s.desc.Size))
	}
	if r.Lower != uint64(len(s.buf)) {
		e := remote.StatusError(OpUploadFragment, 416, "invalidRange",
			fmt.Sprintf("expected fragment at %d, got %s", len(s.buf), r.ContentRange()))
		return nil, e
	}
	if uint64(len(data)) != r.Length() {
		return nil, remote.NewError(OpUploadFragment, remote.KindBadRequest,
			fmt.Sprintf("fragment %s carried %d bytes", r.ContentRange(), len(data)))
	}

	s.buf = append(s.buf, data...)
	d.fragments = append(d.fragments, r)

	res := &remote.FragmentResult{NextExpected: s.next()}
	if res.NextExpected == nil {
		p, ok := d.byID[s.parentID]
		if !ok {
			return nil, remote.NewError(OpUploadFragment, remote.KindNotFound, "parent folder is gone")
		}
		n, err := d.commit(OpUploadFragment, p, s.desc.Name, s.buf, s.conflict)
		if err != nil {
			return nil, err
		}
		delete(d.sessions, s.token)
		item := n.item
		res.Item = &item
	}
	if err := d.after(f); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Drive) CancelUploadSession(ctx context.Context, us *remote.UploadSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpCancelUploadSession)
	if err != nil {
		return err
	}

	s, err := d.session(OpCancelUploadSession, us)
	if err != nil {
		return err
	}
	delete(d.sessions, s.token)
	return d.after(f)
}

func (d *Drive) DeleteItem(ctx context.Context, addr remote.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpDeleteItem)
	if err != nil {
		return err
	}

	n, err := d.resolve(OpDeleteItem, addr)
	if err != nil {
		return err
	}
	if n == d.root {
		return remote.NewError(OpDeleteItem, remote.KindForbidden, "cannot delete the drive root")
	}
	d.remove(n)
	return d.after(f)
}

func (d *Drive) MoveItem(ctx context.Context, addr remote.Address, newParent remote.Address) (*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpMoveItem)
	if err != nil {
		return nil, err
	}

	n, err := d.resolve(OpMoveItem, addr)
	if err != nil {
		return nil, err
	}
	p, err := d.resolveFolder(OpMoveItem, newParent)
	if err != nil {
		return nil, err
	}
	for a := p; a != nil; a = a.parent {
		if a == n {
			return nil, remote.NewError(OpMoveItem, remote.KindBadRequest, "cannot move a folder into itself")
		}
	}
	if p == n.parent {
		item := n.item
		return &item, d.after(f)
	}
	if _, ok := p.children[n.item.Name]; ok {
		return nil, conflictError(OpMoveItem, n.item.Name)
	}

	delete(n.parent.children, n.item.Name)
	n.parent = p
	n.item.ParentID = p.item.ID
	p.children[n.item.Name] = n
	item := n.item
	return &item, d.after(f)
}

func (d *Drive) RenameItem(ctx context.Context, addr remote.Address, newName string) (*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.begin(ctx, OpRenameItem)
	if err != nil {
		return nil, err
	}

	n, err := d.resolve(OpRenameItem, addr)
	if err != nil {
		return nil, err
	}
	if err := validName(OpRenameItem, newName); err != nil {
		return nil, err
	}
	if n == d.root {
		return nil, remote.NewError(OpRenameItem, remote.KindForbidden, "cannot rename the drive root")
	}
	if newName != n.item.Name {
		if _, ok := n.parent.children[newName]; ok {
			return nil, conflictError(OpRenameItem, newName)
		}
		delete(n.parent.children, n.item.Name)
		n.item.Name = newName
		n.parent.children[newName] = n
	}
	item := n.item
	return &item, d.after(f)
}

func (d *Drive) Download(ctx context.Context, addr remote.Address, w io.Writer) (int64, error) {
	d.mu.Lock()
	f, err := d.begin(ctx, OpDownload)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	n, err := d.resolve(OpDownload, addr)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	if n.item.Folder {
		d.mu.Unlock()
		return 0, remote.NewError(OpDownload, remote.KindBadRequest, "cannot download a folder")
	}
	data := append([]byte(nil), n.data...)
	d.mu.Unlock()

	// an after-apply fault breaks the transfer once the bytes are written
	written, err := io.Copy(w, bytes.NewReader(data))
	if err != nil {
		return written, remote.WrapError(OpDownload, err)
	}
	return written, d.after(f)
}

// enter counts the call and returns a queued fault, for read-only operations.
func (d *Drive) enter(ctx context.Context, op string) error {
	f, err := d.begin(ctx, op)
	if err != nil {
		return err
	}
	return d.after(f)
}

// begin counts the call and pops the next fault. Faults that fire before the
// change are returned as err; the rest are returned for after.
func (d *Drive) begin(ctx context.Context, op string) (*fault, error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.WrapError(op, err)
	}
	d.calls[op]++

	queue := d.faults[op]
	if len(queue) == 0 {
		return nil, nil
	}
	f := queue[0]
	d.faults[op] = queue[1:]
	if !f.afterApply {
		return nil, f.err
	}
	return &f, nil
}

func (d *Drive) after(f *fault) error {
	if f == nil {
		return nil
	}
	return f.err
}

func (d *Drive) session(op string, us *remote.UploadSession) (*session, error) {
	token := strings.TrimPrefix(us.UploadURL, "mem://upload/")
	s, ok := d.sessions[token]
	if !ok {
		return nil, remote.StatusError(op, 404, "itemNotFound", "upload session not found or expired")
	}
	if !d.Now().Before(s.expiry) {
		delete(d.sessions, token)
		return nil, remote.StatusError(op, 404, "itemNotFound", "upload session expired")
	}
	return s, nil
}

func (s *session) next() *ranges.Range {
	if int64(len(s.buf)) >= s.desc.Size {
		return nil
	}
	r := ranges.Range{Lower: uint64(len(s.buf)), Upper: uint64(s.desc.Size - 1), Total: uint64(s.desc.Size)}
	return &r
}

func (d *Drive) resolve(op string, addr remote.Address) (*node, error) {
	var n *node
	switch addr.Kind {
	case remote.AddressByID:
		n = d.byID[addr.Value]
	case remote.AddressSpecial:
		n = d.root.children[addr.Value]
		if n == nil {
			n = d.newNode(d.root, addr.Value, true)
			n.item.LastModified = d.Now()
		}
	default:
		n = d.walk(addr.Value)
	}
	if n == nil {
		return nil, remote.StatusError(op, 404, "itemNotFound", addr.String()+" not found")
	}
	return n, nil
}

func (d *Drive) resolveFolder(op string, addr remote.Address) (*node, error) {
	n, err := d.resolve(op, addr)
	if err != nil {
		return nil, err
	}
	if !n.item.Folder {
		return nil, remote.NewError(op, remote.KindBadRequest, addr.String()+" is not a folder")
	}
	return n, nil
}

func (d *Drive) walk(p string) *node {
	n := d.root
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		if n = n.children[part]; n == nil {
			return nil
		}
	}
	return n
}

func (d *Drive) mkdirAll(p string) *node {
	n := d.root
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" || part == "." {
			continue
		}
		c, ok := n.children[part]
		if !ok {
			c = d.newNode(n, part, true)
			c.item.LastModified = d.Now()
		}
		n = c
	}
	return n
}

func (d *Drive) newNode(parent *node, name string, folder bool) *node {
	n := &node{
		item: remote.Item{
			ID:       uuid.NewString(),
			Name:     name,
			ParentID: parent.item.ID,
			Folder:   folder,
		},
		parent: parent,
	}
	if folder {
		n.children = make(map[string]*node)
	}
	parent.children[name] = n
	d.byID[n.item.ID] = n
	return n
}

func (d *Drive) commit(op string, p *node, name string, data []byte, conflict remote.ConflictBehavior) (*node, error) {
	if err := validName(op, name); err != nil {
		return nil, err
	}
	if existing, ok := p.children[name]; ok {
		switch {
		case conflict == remote.ConflictFail:
			return nil, conflictError(op, name)
		case conflict == remote.ConflictRename:
			name = uniqueName(p, name)
		case !existing.item.Folder:
			d.setData(existing, data, d.Now())
			return existing, nil
		default:
			d.remove(existing)
		}
	}
	n := d.newNode(p, name, false)
	d.setData(n, data, d.Now())
	return n, nil
}

func (d *Drive) setData(n *node, data []byte, mod time.Time) {
	n.data = append([]byte(nil), data...)
	sum := sha1.Sum(n.data)
	n.item.Hash = hex.EncodeToString(sum[:])
	n.item.Size = int64(len(n.data))
	n.item.LastModified = mod
	n.item.ETag = uuid.NewString()
}

func (d *Drive) remove(n *node) {
	for _, c := range n.children {
		d.remove(c)
	}
	if n.parent != nil {
		delete(n.parent.children, n.item.Name)
	}
	delete(d.byID, n.item.ID)
}

func uniqueName(p *node, name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s %d%s", base, i, ext)
		if _, ok := p.children[candidate]; !ok {
			return candidate
		}
	}
}

func validName(op, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return remote.NewError(op, remote.KindBadRequest, fmt.Sprintf("invalid name %q", name))
	}
	return nil
}

func conflictError(op, name string) error {
	return remote.StatusError(op, 409, "nameAlreadyExists", name+" already exists")
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}
