package s3drive

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObject struct {
	data []byte
	meta map[string]string
	mod  time.Time
	etag string
}

type fakeUpload struct {
	key   string
	meta  map[string]string
	parts map[int32][]byte
}

// fakeS3 is an in-memory bucket implementing API.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload
	nextID  int
	now     time.Time
	calls   map[string]int
	// failNext makes the next call of an operation return the error
	failNext map[string]error
}

var _ API = (*fakeS3)(nil)

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{
		bucket:   bucket,
		objects:  map[string]*fakeObject{},
		uploads:  map[string]*fakeUpload{},
		now:      time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		calls:    map[string]int{},
		failNext: map[string]error{},
	}
}

func notFound(code, key string) error {
	return &smithy.GenericAPIError{Code: code, Message: key + " not found", Fault: smithy.FaultClient}
}

func (f *fakeS3) enter(op string) error {
	f.calls[op]++
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *fakeS3) put(key string, data []byte, meta map[string]string) *fakeObject {
	f.now = f.now.Add(time.Second)
	sum := md5.Sum(data)
	obj := &fakeObject{data: append([]byte(nil), data...), meta: meta, mod: f.now, etag: `"` + hex.EncodeToString(sum[:]) + `"`}
	f.objects[key] = obj
	return obj
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadObject"); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, notFound("NotFound", aws.ToString(in.Key))
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.mod),
		ETag:          aws.String(obj.etag),
		Metadata:      obj.meta,
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetObject"); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, notFound("NoSuchKey", aws.ToString(in.Key))
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutObject"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	obj := f.put(aws.ToString(in.Key), data, in.Metadata)
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CopyObject"); err != nil {
		return nil, err
	}
	src, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(in.CopySource), f.bucket+"/"))
	if err != nil {
		return nil, err
	}
	obj, ok := f.objects[src]
	if !ok {
		return nil, notFound("NoSuchKey", src)
	}
	copied := f.put(aws.ToString(in.Key), obj.data, obj.meta)
	return &s3.CopyObjectOutput{CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(copied.etag), LastModified: aws.Time(copied.mod)}}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObjects"); err != nil {
		return nil, err
	}
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

// ListObjectsV2 pages through keys and common prefixes together, MaxKeys
// entries at a time, with the entry index as continuation token.
func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListObjectsV2"); err != nil {
		return nil, err
	}

	prefix, delim := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)
	type entry struct {
		key    string
		common bool
	}
	var entries []entry
	seen := map[string]bool{}
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{key: cp, common: true})
				}
				continue
			}
		}
		entries = append(entries, entry{key: k})
	}

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	limit := int(aws.ToInt32(in.MaxKeys))
	if limit <= 0 {
		limit = 1000
	}
	end := min(start+limit, len(entries))

	out := &s3.ListObjectsV2Output{}
	for _, e := range entries[start:end] {
		if e.common {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.key)})
			continue
		}
		obj := f.objects[e.key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e.key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.mod),
			ETag:         aws.String(obj.etag),
		})
	}
	if end < len(entries) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("up-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: aws.ToString(in.Key), meta: in.Metadata, parts: map[int32][]byte{}}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key}, nil
}

func (f *fakeS3) upload(id string) (*fakeUpload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return nil, notFound("NoSuchUpload", id)
	}
	return u, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadPart"); err != nil {
		return nil, err
	}
	u, err := f.upload(aws.ToString(in.UploadId))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	n := aws.ToInt32(in.PartNumber)
	u.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"etag-%d-%d"`, n, len(data)))}, nil
}

func (f *fakeS3) ListParts(ctx context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListParts"); err != nil {
		return nil, err
	}
	u, err := f.upload(aws.ToString(in.UploadId))
	if err != nil {
		return nil, err
	}
	out := &s3.ListPartsOutput{}
	for n, data := range u.parts {
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(n),
			Size:       aws.Int64(int64(len(data))),
			ETag:       aws.String(fmt.Sprintf(`"etag-%d-%d"`, n, len(data))),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	u, err := f.upload(id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for i, p := range in.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		data, ok := u.parts[n]
		if !ok || n != int32(i+1) || aws.ToString(p.ETag) != fmt.Sprintf(`"etag-%d-%d"`, n, len(data)) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d", n)}
		}
		buf.Write(data)
	}
	obj := f.put(u.key, buf.Bytes(), u.meta)
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: aws.String(u.key), ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	if _, err := f.upload(id); err != nil {
		return nil, err
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}
