// Package graph is the remote.Service for drives served over the Microsoft
// Graph style REST API: items addressed by id or path, paged child listings
// and resumable upload sessions.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/imroc/req/v3"
	"github.com/openmined/drivesync/internal/codec"
	"github.com/openmined/drivesync/internal/ranges"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/openmined/drivesync/internal/version"
)

const (
	DefaultEndpoint = "https://graph.microsoft.com/v1.0"

	HeaderDeviceID = "X-Drivesync-Device-Id"

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

	metaSize = "size"
	// error bodies of streamed downloads are read up to this size
	maxErrorBody = 64 << 10
)

var ErrNoToken = errors.New("graph: access token missing")

type Config struct {
	Endpoint string // defaults to DefaultEndpoint
	DriveID  string // empty selects the signed-in user's drive
	Token    string
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return ErrNoToken
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("graph: invalid endpoint %q", c.Endpoint)
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	return nil
}

// Client talks to one drive. Retries are left to the caller's retrier.
type Client struct {
	api *req.Client
	// upload session URLs are pre-authorised and must not carry the token
	sessions *req.Client
}

var _ remote.Service = (*Client)(nil)

func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := cfg.Endpoint + "/me/drive"
	if cfg.DriveID != "" {
		base = cfg.Endpoint + "/drives/" + url.PathEscape(cfg.DriveID)
	}

	return &Client{
		api:      newHTTPClient().SetBaseURL(base).SetCommonBearerAuthToken(cfg.Token),
		sessions: newHTTPClient(),
	}, nil
}

func newHTTPClient() *req.Client {
	return req.C().
		SetCommonRetryCount(0).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderDeviceID, utils.HWID).
		SetJsonMarshal(codec.Marshal).
		SetJsonUnmarshal(codec.Unmarshal)
}

func (c *Client) GetItem(ctx context.Context, addr remote.Address) (*remote.Item, error) {
	var item driveItem
	resp, err := c.api.R().
		SetContext(ctx).
		SetSuccessResult(&item).
		Get(itemPath(addr))
	if err := handleAPIError(resp, err, OpGetItem); err != nil {
		return nil, err
	}
	return item.toItem(), nil
}

// ListChildren follows @odata.nextLink until the listing is complete.
func (c *Client) ListChildren(ctx context.Context, addr remote.Address, opts remote.ListOptions) ([]*remote.Item, error) {
	var items []*remote.Item
	next := itemPath(addr) + "/children"
	first := true

	for next != "" {
		var page listResponse
		r := c.api.R().SetContext(ctx).SetSuccessResult(&page)
		if first && opts.PageSize > 0 {
			r.SetQueryParam("$top", strconv.Itoa(opts.PageSize))
		}
		resp, err := r.Get(next)
		if err := handleAPIError(resp, err, OpListChildren); err != nil {
			return nil, err
		}
		for _, di := range page.Value {
			items = append(items, di.toItem())
		}
		next, first = page.NextLink, false
	}
	return items, nil
}

func (c *Client) CreateFolder(ctx context.Context, name string, parent remote.Address, conflict remote.ConflictBehavior) (*remote.Item, error) {
	var item driveItem
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(&createFolderRequest{Name: name, Conflict: conflict.String()}).
		SetSuccessResult(&item).
		Post(itemPath(parent) + "/children")
	if err := handleAPIError(resp, err, OpCreateFolder); err != nil {
		return nil, err
	}
	return item.toItem(), nil
}

// UploadSimple sends the whole file in one request; meant for small files.
func (c *Client) UploadSimple(ctx context.Context, content remote.Content, parent remote.Address, conflict remote.ConflictBehavior) (*remote.Item, error) {
	desc := content.Descriptor()
	data, err := io.ReadAll(remote.Reader(content))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", desc.Name, err)
	}

	var item driveItem
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam(conflictKey, conflict.String()).
		SetHeader("Content-Type", "application/octet-stream").
		SetBodyBytes(data).
		SetSuccessResult(&item).
		Put(childPath(parent, desc.Name) + "/content")
	if err := handleAPIError(resp, err, OpUploadSimple); err != nil {
		return nil, err
	}
	return item.toItem(), nil
}

func (c *Client) CreateUploadSession(ctx context.Context, desc remote.ContentDescriptor, parent remote.Address, conflict remote.ConflictBehavior) (*remote.UploadSession, error) {
	if desc.Size <= 0 {
		return nil, remote.NewError(OpCreateUploadSession, remote.KindBadRequest, "upload sessions need a non-empty file")
	}

	body := &createSessionRequest{Item: sessionItem{Conflict: conflict.String()}}
	if !desc.ModTime.IsZero() {
		body.Item.FileSystemInfo = &fileSystemFacet{LastModifiedDateTime: desc.ModTime.UTC()}
	}

	var sr sessionResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&sr).
		Post(childPath(parent, desc.Name) + "/createUploadSession")
	if err := handleAPIError(resp, err, OpCreateUploadSession); err != nil {
		return nil, err
	}
	if sr.UploadURL == "" {
		return nil, remote.NewError(OpCreateUploadSession, remote.KindUnknown, "no upload url in response")
	}

	us := &remote.UploadSession{
		UploadURL: sr.UploadURL,
		Expiry:    sr.ExpirationDateTime,
		Meta:      map[string]string{metaSize: strconv.FormatInt(desc.Size, 10)},
	}
	if err := setNextExpected(OpCreateUploadSession, us, sr.NextExpectedRanges); err != nil {
		return nil, err
	}
	if us.NextExpected == nil {
		full := ranges.Full(uint64(desc.Size))
		us.NextExpected = &full
	}
	return us, nil
}

// GetUploadSession asks the server which bytes it still expects.
func (c *Client) GetUploadSession(ctx context.Context, session *remote.UploadSession) (*remote.UploadSession, error) {
	var sr sessionResponse
	resp, err := c.sessions.R().
		SetContext(ctx).
		SetSuccessResult(&sr).
		Get(session.UploadURL)
	if err := handleAPIError(resp, err, OpGetUploadSession); err != nil {
		return nil, err
	}

	us := &remote.UploadSession{
		UploadURL: session.UploadURL,
		Expiry:    sr.ExpirationDateTime,
		Meta:      session.Meta,
	}
	if us.Expiry.IsZero() {
		us.Expiry = session.Expiry
	}
	if err := setNextExpected(OpGetUploadSession, us, sr.NextExpectedRanges); err != nil {
		return nil, err
	}
	return us, nil
}

// UploadFragment PUTs one range. The server answers 202 with the next range,
// or 200/201 with the item once the last byte is in.
func (c *Client) UploadFragment(ctx context.Context, session *remote.UploadSession, r ranges.Range, body io.Reader) (*remote.FragmentResult, error) {
	data, err := io.ReadAll(io.LimitReader(body, int64(r.Length())))
	if err != nil {
		return nil, remote.WrapError(OpUploadFragment, err)
	}
	if uint64(len(data)) != r.Length() {
		return nil, remote.NewError(OpUploadFragment, remote.KindBadRequest,
			fmt.Sprintf("fragment %s has only %d bytes", r.ContentRange(), len(data)))
	}

	resp, err := c.sessions.R().
		SetContext(ctx).
		SetHeader("Content-Range", r.ContentRange()).
		SetBodyBytes(data).
		Put(session.UploadURL)
	if err := handleAPIError(resp, err, OpUploadFragment); err != nil {
		return nil, err
	}

	if resp.GetStatusCode() == http.StatusAccepted {
		var sr sessionResponse
		if err := codec.Unmarshal(resp.Bytes(), &sr); err != nil {
			return nil, remote.WrapError(OpUploadFragment, err)
		}
		next := &remote.UploadSession{Meta: session.Meta}
		if err := setNextExpected(OpUploadFragment, next, sr.NextExpectedRanges); err != nil {
			return nil, err
		}
		return &remote.FragmentResult{NextExpected: next.NextExpected}, nil
	}

	var item driveItem
	if err := codec.Unmarshal(resp.Bytes(), &item); err != nil {
		return nil, remote.WrapError(OpUploadFragment, err)
	}
	return &remote.FragmentResult{Item: item.toItem()}, nil
}

func (c *Client) CancelUploadSession(ctx context.Context, session *remote.UploadSession) error {
	resp, err := c.sessions.R().
		SetContext(ctx).
		Delete(session.UploadURL)
	return handleAPIError(resp, err, OpCancelUploadSession)
}

func (c *Client) DeleteItem(ctx context.Context, addr remote.Address) error {
	resp, err := c.api.R().
		SetContext(ctx).
		Delete(itemPath(addr))
	return handleAPIError(resp, err, OpDeleteItem)
}

func (c *Client) MoveItem(ctx context.Context, addr remote.Address, newParent remote.Address) (*remote.Item, error) {
	parentID := newParent.Value
	if newParent.Kind != remote.AddressByID {
		parent, err := c.GetItem(ctx, newParent)
		if err != nil {
			return nil, err
		}
		parentID = parent.ID
	}

	var item driveItem
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(&moveRequest{ParentReference: itemReference{ID: parentID}}).
		SetSuccessResult(&item).
		Patch(itemPath(addr))
	if err := handleAPIError(resp, err, OpMoveItem); err != nil {
		return nil, err
	}
	return item.toItem(), nil
}

func (c *Client) RenameItem(ctx context.Context, addr remote.Address, newName string) (*remote.Item, error) {
	var item driveItem
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(&renameRequest{Name: newName}).
		SetSuccessResult(&item).
		Patch(itemPath(addr))
	if err := handleAPIError(resp, err, OpRenameItem); err != nil {
		return nil, err
	}
	return item.toItem(), nil
}

// Download streams the content into w. Error bodies never reach w.
func (c *Client) Download(ctx context.Context, addr remote.Address, w io.Writer) (int64, error) {
	resp, err := c.api.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(itemPath(addr) + "/content")
	if err != nil {
		return 0, remote.WrapError(OpDownload, err)
	}
	defer resp.Body.Close()

	if resp.IsErrorState() {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, statusError(OpDownload, resp.GetStatusCode(), resp.GetHeader("Retry-After"), body)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, remote.WrapError(OpDownload, err)
	}
	return n, nil
}

func setNextExpected(op string, us *remote.UploadSession, next []string) error {
	if len(next) == 0 {
		us.NextExpected = nil
		return nil
	}
	size, err := strconv.ParseUint(us.Meta[metaSize], 10, 64)
	if err != nil {
		return remote.NewError(op, remote.KindBadRequest, "upload session without a file size")
	}
	r, err := ranges.ParseNextExpected(next[0], size)
	if err != nil {
		return remote.NewError(op, remote.KindUnknown, err.Error())
	}
	us.NextExpected = &r
	return nil
}

// itemPath is the URL path of an item relative to the drive.
func itemPath(addr remote.Address) string {
	switch addr.Kind {
	case remote.AddressByID:
		return "/items/" + url.PathEscape(addr.Value)
	case remote.AddressSpecial:
		return "/special/" + url.PathEscape(addr.Value)
	}
	if addr.IsRoot() || addr.Value == "" {
		return "/root"
	}
	return "/root:" + escapePath(addr.Value) + ":"
}

// childPath addresses the child called name below parent, whether or not it
// exists yet.
func childPath(parent remote.Address, name string) string {
	switch {
	case parent.Kind == remote.AddressByPath && (parent.IsRoot() || parent.Value == ""):
		return "/root:/" + url.PathEscape(name) + ":"
	case parent.Kind == remote.AddressByPath:
		return "/root:" + escapePath(parent.Value) + "/" + url.PathEscape(name) + ":"
	default:
		return itemPath(parent) + ":/" + url.PathEscape(name) + ":"
	}
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(parts, "/")
}
