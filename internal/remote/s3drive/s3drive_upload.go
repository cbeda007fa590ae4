package s3drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/drivesync/internal/ranges"
	"github.com/openmined/drivesync/internal/remote"
)

const (
	metaKey      = "key"
	metaRel      = "rel"
	metaUploadID = "uploadId"
	metaSize     = "size"
)

type part struct {
	number int32
	size   int64
	etag   string
}

// CreateUploadSession starts a multipart upload. The object takes its final
// name now, so conflicts are settled before any byte is sent.
func (d *Drive) CreateUploadSession(ctx context.Context, desc remote.ContentDescriptor, parent remote.Address, conflict remote.ConflictBehavior) (*remote.UploadSession, error) {
	if desc.Size <= 0 {
		return nil, remote.NewError(OpCreateUploadSession, remote.KindBadRequest, "upload sessions need a non-empty file")
	}
	prel, err := d.folder(ctx, OpCreateUploadSession, parent)
	if err != nil {
		return nil, err
	}
	rel, err := d.target(ctx, OpCreateUploadSession, prel, desc.Name, conflict, false)
	if err != nil {
		return nil, err
	}

	key := d.key(rel)
	out, err := d.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   &d.bucket,
		Key:      aws.String(key),
		Metadata: objectMeta(desc),
	})
	if err != nil {
		return nil, wrapError(OpCreateUploadSession, err)
	}

	uploadID := aws.ToString(out.UploadId)
	full := ranges.Full(uint64(desc.Size))
	return &remote.UploadSession{
		UploadURL:    fmt.Sprintf("s3://%s/%s?uploadId=%s", d.bucket, key, url.QueryEscape(uploadID)),
		NextExpected: &full,
		Meta: map[string]string{
			metaKey:      key,
			metaRel:      rel,
			metaUploadID: uploadID,
			metaSize:     strconv.FormatInt(desc.Size, 10),
		},
	}, nil
}

func (d *Drive) GetUploadSession(ctx context.Context, session *remote.UploadSession) (*remote.UploadSession, error) {
	key, uploadID, size, err := sessionMeta(OpGetUploadSession, session)
	if err != nil {
		return nil, err
	}
	parts, err := d.listParts(ctx, OpGetUploadSession, key, uploadID)
	if err != nil {
		return nil, err
	}

	fresh := &remote.UploadSession{UploadURL: session.UploadURL, Expiry: session.Expiry, Meta: session.Meta}
	acked, last := received(parts)
	switch {
	case acked < size:
		next := ranges.Range{Lower: uint64(acked), Upper: uint64(size - 1), Total: uint64(size)}
		fresh.NextExpected = &next
	case len(parts) > 0:
		// every byte is in but the object was never assembled: the final
		// part is asked for again, which completes the upload
		next := ranges.Range{Lower: uint64(size - last.size), Upper: uint64(size - 1), Total: uint64(size)}
		fresh.NextExpected = &next
	}
	return fresh, nil
}

// UploadFragment stores r as the next part. A range that does not start at
// the acknowledged offset is refused with 416, like a REST upload session;
// resending the final part is allowed. The last range assembles the object.
func (d *Drive) UploadFragment(ctx context.Context, session *remote.UploadSession, r ranges.Range, body io.Reader) (*remote.FragmentResult, error) {
	key, uploadID, size, err := sessionMeta(OpUploadFragment, session)
	if err != nil {
		return nil, err
	}
	if r.Total != uint64(size) {
		return nil, remote.NewError(OpUploadFragment, remote.KindBadRequest,
			fmt.Sprintf("range total %d does not match file size %d", r.Total, size))
	}
	data, err := io.ReadAll(io.LimitReader(body, int64(r.Length())))
	if err != nil {
		return nil, remote.WrapError(OpUploadFragment, err)
	}
	if uint64(len(data)) != r.Length() {
		return nil, remote.NewError(OpUploadFragment, remote.KindBadRequest,
			fmt.Sprintf("fragment %s has only %d bytes", r.ContentRange(), len(data)))
	}

	parts, err := d.listParts(ctx, OpUploadFragment, key, uploadID)
	if err != nil {
		return nil, err
	}
	acked, last := received(parts)
	var number int32
	switch {
	case int64(r.Lower) == acked:
		number = int32(len(parts) + 1)
		parts = append(parts, part{number: number})
	case len(parts) > 0 && int64(r.Lower) == acked-last.size:
		number = last.number
	default:
		return nil, remote.StatusError(OpUploadFragment, http.StatusRequestedRangeNotSatisfiable, "invalidRange",
			fmt.Sprintf("expected fragment at %d, got %s", acked, r.ContentRange()))
	}

	out, err := d.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        &d.bucket,
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, wrapError(OpUploadFragment, err)
	}
	parts[len(parts)-1] = part{number: number, size: int64(len(data)), etag: aws.ToString(out.ETag)}

	if !r.IsLast() {
		next := ranges.Range{Lower: r.Upper + 1, Upper: uint64(size - 1), Total: uint64(size)}
		return &remote.FragmentResult{NextExpected: &next}, nil
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{PartNumber: aws.Int32(p.number), ETag: aws.String(p.etag)})
	}
	_, err = d.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &d.bucket,
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, wrapError(OpUploadFragment, err)
	}

	item, err := d.stat(ctx, OpUploadFragment, session.Meta[metaRel])
	if err != nil {
		return nil, err
	}
	return &remote.FragmentResult{Item: item}, nil
}

func (d *Drive) CancelUploadSession(ctx context.Context, session *remote.UploadSession) error {
	key, uploadID, _, err := sessionMeta(OpCancelUploadSession, session)
	if err != nil {
		return err
	}
	_, err = d.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &d.bucket,
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return wrapError(OpCancelUploadSession, err)
}

func sessionMeta(op string, session *remote.UploadSession) (key, uploadID string, size int64, err error) {
	key, uploadID = session.Meta[metaKey], session.Meta[metaUploadID]
	size, perr := strconv.ParseInt(session.Meta[metaSize], 10, 64)
	if key == "" || uploadID == "" || perr != nil || size <= 0 {
		return "", "", 0, remote.NewError(op, remote.KindBadRequest, "not a multipart upload session")
	}
	return key, uploadID, size, nil
}

// listParts returns the uploaded parts in part-number order.
func (d *Drive) listParts(ctx context.Context, op, key, uploadID string) ([]part, error) {
	in := &s3.ListPartsInput{Bucket: &d.bucket, Key: aws.String(key), UploadId: aws.String(uploadID)}
	var parts []part
	for {
		out, err := d.api.ListParts(ctx, in)
		if err != nil {
			return nil, wrapError(op, err)
		}
		for _, p := range out.Parts {
			parts = append(parts, part{
				number: aws.ToInt32(p.PartNumber),
				size:   aws.ToInt64(p.Size),
				etag:   aws.ToString(p.ETag),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			break
		}
		in.PartNumberMarker = out.NextPartNumberMarker
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].number < parts[j].number })

	// only the run from part 1 counts; a gap means the rest is resent
	for i, p := range parts {
		if p.number != int32(i+1) {
			return parts[:i], nil
		}
	}
	return parts, nil
}

// received is the byte count the parts cover, and the last part.
func received(parts []part) (int64, part) {
	var total int64
	for _, p := range parts {
		total += p.size
	}
	if len(parts) == 0 {
		return 0, part{}
	}
	return total, parts[len(parts)-1]
}
