package s3drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/drivesync/internal/remote"
)

func (d *Drive) GetItem(ctx context.Context, addr remote.Address) (*remote.Item, error) {
	rel, err := d.rel(OpGetItem, addr)
	if err != nil {
		return nil, err
	}
	return d.stat(ctx, OpGetItem, rel)
}

// stat looks rel up as a file, then as a folder marker, then as a folder
// implied by its children.
func (d *Drive) stat(ctx context.Context, op, rel string) (*remote.Item, error) {
	if rel == "" {
		return folderItem("", nil), nil
	}

	head, err := d.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &d.bucket, Key: aws.String(d.key(rel))})
	if err == nil {
		return fileItem(rel, aws.ToInt64(head.ContentLength), head.LastModified, head.ETag, head.Metadata), nil
	}
	if err := wrapError(op, err); !remote.IsNotFound(err) {
		return nil, err
	}

	head, err = d.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &d.bucket, Key: aws.String(d.dirKey(rel))})
	if err == nil {
		return folderItem(rel, head.LastModified), nil
	}
	if err := wrapError(op, err); !remote.IsNotFound(err) {
		return nil, err
	}

	out, err := d.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &d.bucket,
		Prefix:  aws.String(d.dirKey(rel)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, wrapError(op, err)
	}
	if len(out.Contents) > 0 || len(out.CommonPrefixes) > 0 {
		return folderItem(rel, nil), nil
	}
	return nil, remote.StatusError(op, 404, "itemNotFound", itemID(rel)+" not found")
}

func (d *Drive) folder(ctx context.Context, op string, addr remote.Address) (string, error) {
	rel, err := d.rel(op, addr)
	if err != nil {
		return "", err
	}
	item, err := d.stat(ctx, op, rel)
	if err != nil {
		return "", err
	}
	if !item.Folder {
		return "", remote.NewError(op, remote.KindBadRequest, itemID(rel)+" is not a folder")
	}
	return rel, nil
}

// ListChildren lists one level below the folder. Hashes are not part of S3
// listings, so the items carry none.
func (d *Drive) ListChildren(ctx context.Context, addr remote.Address, opts remote.ListOptions) ([]*remote.Item, error) {
	rel, err := d.folder(ctx, OpListChildren, addr)
	if err != nil {
		return nil, err
	}

	prefix := d.dirKey(rel)
	in := &s3.ListObjectsV2Input{
		Bucket:    &d.bucket,
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	if opts.PageSize > 0 {
		in.MaxKeys = aws.Int32(int32(opts.PageSize))
	}

	var items []*remote.Item
	for {
		out, err := d.api.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, wrapError(OpListChildren, err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				items = append(items, folderItem(path.Join(rel, name), nil))
			}
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			items = append(items, fileItem(path.Join(rel, name), aws.ToInt64(obj.Size), obj.LastModified, obj.ETag, nil))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return items, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// target picks the path a new child called name gets below parent.
func (d *Drive) target(ctx context.Context, op, parent, name string, conflict remote.ConflictBehavior, folder bool) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", remote.NewError(op, remote.KindBadRequest, fmt.Sprintf("invalid name %q", name))
	}
	rel := path.Join(parent, name)
	existing, err := d.stat(ctx, op, rel)
	if remote.IsNotFound(err) {
		return rel, nil
	}
	if err != nil {
		return "", err
	}

	switch conflict {
	case remote.ConflictReplace:
		if existing.Folder != folder {
			return "", conflictError(op, itemID(rel))
		}
		return rel, nil
	case remote.ConflictRename:
		ext := path.Ext(name)
		base := strings.TrimSuffix(name, ext)
		for i := 1; i <= maxRenameTries; i++ {
			candidate := path.Join(parent, fmt.Sprintf("%s (%d)%s", base, i, ext))
			_, err := d.stat(ctx, op, candidate)
			if remote.IsNotFound(err) {
				return candidate, nil
			}
			if err != nil {
				return "", err
			}
		}
	}
	return "", conflictError(op, itemID(rel))
}

func (d *Drive) CreateFolder(ctx context.Context, name string, parent remote.Address, conflict remote.ConflictBehavior) (*remote.Item, error) {
	prel, err := d.folder(ctx, OpCreateFolder, parent)
	if err != nil {
		return nil, err
	}
	rel, err := d.target(ctx, OpCreateFolder, prel, name, conflict, true)
	if err != nil {
		return nil, err
	}

	_, err = d.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &d.bucket,
		Key:           aws.String(d.dirKey(rel)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return nil, wrapError(OpCreateFolder, err)
	}
	return d.stat(ctx, OpCreateFolder, rel)
}

func (d *Drive) UploadSimple(ctx context.Context, content remote.Content, parent remote.Address, conflict remote.ConflictBehavior) (*remote.Item, error) {
	desc := content.Descriptor()
	prel, err := d.folder(ctx, OpUploadSimple, parent)
	if err != nil {
		return nil, err
	}
	rel, err := d.target(ctx, OpUploadSimple, prel, desc.Name, conflict, false)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(remote.Reader(content))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", desc.Name, err)
	}
	_, err = d.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &d.bucket,
		Key:           aws.String(d.key(rel)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      objectMeta(desc),
	})
	if err != nil {
		return nil, wrapError(OpUploadSimple, err)
	}
	return d.stat(ctx, OpUploadSimple, rel)
}

func objectMeta(desc remote.ContentDescriptor) map[string]string {
	meta := map[string]string{}
	if desc.Hash != "" {
		meta[metaSHA1] = strings.ToLower(desc.Hash)
	}
	if !desc.ModTime.IsZero() {
		meta[metaMtime] = desc.ModTime.UTC().Format(time.RFC3339Nano)
	}
	return meta
}

// DeleteItem removes a file, or a folder with everything below it.
func (d *Drive) DeleteItem(ctx context.Context, addr remote.Address) error {
	rel, err := d.rel(OpDeleteItem, addr)
	if err != nil {
		return err
	}
	if rel == "" {
		return remote.NewError(OpDeleteItem, remote.KindBadRequest, "cannot delete the drive root")
	}
	item, err := d.stat(ctx, OpDeleteItem, rel)
	if err != nil {
		return err
	}

	if !item.Folder {
		_, err := d.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &d.bucket, Key: aws.String(d.key(rel))})
		return wrapError(OpDeleteItem, err)
	}

	keys, err := d.keysUnder(ctx, OpDeleteItem, d.dirKey(rel))
	if err != nil {
		return err
	}
	return d.deleteKeys(ctx, OpDeleteItem, keys)
}

func (d *Drive) MoveItem(ctx context.Context, addr remote.Address, newParent remote.Address) (*remote.Item, error) {
	rel, err := d.rel(OpMoveItem, addr)
	if err != nil {
		return nil, err
	}
	item, err := d.stat(ctx, OpMoveItem, rel)
	if err != nil {
		return nil, err
	}
	prel, err := d.folder(ctx, OpMoveItem, newParent)
	if err != nil {
		return nil, err
	}
	return d.relocate(ctx, OpMoveItem, item, rel, path.Join(prel, item.Name))
}

func (d *Drive) RenameItem(ctx context.Context, addr remote.Address, newName string) (*remote.Item, error) {
	rel, err := d.rel(OpRenameItem, addr)
	if err != nil {
		return nil, err
	}
	if newName == "" || strings.ContainsAny(newName, "/\\") {
		return nil, remote.NewError(OpRenameItem, remote.KindBadRequest, fmt.Sprintf("invalid name %q", newName))
	}
	item, err := d.stat(ctx, OpRenameItem, rel)
	if err != nil {
		return nil, err
	}
	dir := path.Dir(rel)
	if dir == "." {
		dir = ""
	}
	return d.relocate(ctx, OpRenameItem, item, rel, path.Join(dir, newName))
}

// relocate copies every object of item from src to dst, then deletes the
// originals. A failure halfway leaves both copies in place.
func (d *Drive) relocate(ctx context.Context, op string, item *remote.Item, src, dst string) (*remote.Item, error) {
	if src == "" {
		return nil, remote.NewError(op, remote.KindBadRequest, "cannot move the drive root")
	}
	if src == dst {
		return item, nil
	}
	if item.Folder && strings.HasPrefix(dst+"/", src+"/") {
		return nil, remote.NewError(op, remote.KindBadRequest, "cannot move a folder into itself")
	}
	if _, err := d.stat(ctx, op, dst); err == nil {
		return nil, conflictError(op, itemID(dst))
	} else if !remote.IsNotFound(err) {
		return nil, err
	}

	var moves [][2]string
	if item.Folder {
		from, to := d.dirKey(src), d.dirKey(dst)
		keys, err := d.keysUnder(ctx, op, from)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			moves = append(moves, [2]string{k, to + strings.TrimPrefix(k, from)})
		}
	} else {
		moves = append(moves, [2]string{d.key(src), d.key(dst)})
	}

	olds := make([]string, 0, len(moves))
	for _, m := range moves {
		_, err := d.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            &d.bucket,
			CopySource:        aws.String(copySource(d.bucket, m[0])),
			Key:               aws.String(m[1]),
			MetadataDirective: types.MetadataDirectiveCopy,
		})
		if err != nil {
			return nil, wrapError(op, err)
		}
		olds = append(olds, m[0])
	}
	if err := d.deleteKeys(ctx, op, olds); err != nil {
		return nil, err
	}
	return d.stat(ctx, op, dst)
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// keysUnder lists every object key with the prefix, markers included.
func (d *Drive) keysUnder(ctx context.Context, op, prefix string) ([]string, error) {
	in := &s3.ListObjectsV2Input{Bucket: &d.bucket, Prefix: aws.String(prefix)}
	var keys []string
	for {
		out, err := d.api.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, wrapError(op, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

func (d *Drive) deleteKeys(ctx context.Context, op string, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := d.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &d.bucket,
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return wrapError(op, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return remote.NewError(op, remote.KindUnknown,
				fmt.Sprintf("delete %s: %s %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}
	return nil
}

func (d *Drive) Download(ctx context.Context, addr remote.Address, w io.Writer) (int64, error) {
	rel, err := d.rel(OpDownload, addr)
	if err != nil {
		return 0, err
	}
	out, err := d.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &d.bucket, Key: aws.String(d.key(rel))})
	if err != nil {
		return 0, wrapError(OpDownload, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, remote.WrapError(OpDownload, err)
	}
	return n, nil
}
