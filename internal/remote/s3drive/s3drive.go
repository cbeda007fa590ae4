// Package s3drive serves a prefix of an S3-compatible bucket as a remote
// drive. Folders are zero-byte "name/" marker objects (or implied by their
// children), item ids are slash-rooted paths, upload sessions are multipart
// uploads, and renames are a copy followed by a delete.
package s3drive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
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

	// object metadata keys; S3 returns them lowercased
	metaSHA1  = "sha1"
	metaMtime = "mtime"

	// S3 rejects multipart parts below this size, except the last one
	MinPartSize = 5 << 20

	deleteBatch    = 1000
	maxRenameTries = 100
)

type Config struct {
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	Prefix    string `json:"prefix,omitempty" mapstructure:"prefix"`
	Region    string `json:"region,omitempty" mapstructure:"region"`
	Endpoint  string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `json:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string `json:"secret_key,omitempty" mapstructure:"secret_key"`
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket required")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("s3 access_key and secret_key go together")
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

// API is the subset of *s3.Client the drive uses.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ API = (*s3.Client)(nil)

type Drive struct {
	api    API
	bucket string
	prefix string
}

var _ remote.Service = (*Drive)(nil)

// New builds an S3 client from cfg. Without keys the default AWS credential
// chain applies.
func New(ctx context.Context, cfg *Config) (*Drive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(client, cfg.Bucket, cfg.Prefix), nil
}

func NewWithAPI(api API, bucket, prefix string) *Drive {
	return &Drive{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// rel turns an address into a path relative to the drive root. Ids and
// paths coincide on this backend.
func (d *Drive) rel(op string, addr remote.Address) (string, error) {
	if addr.Kind == remote.AddressSpecial {
		return "", remote.NewError(op, remote.KindBadRequest, "special folders are not supported")
	}
	p := strings.Trim(addr.Value, "/")
	if p == "" {
		return "", nil
	}
	clean := path.Clean(p)
	if clean != p || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", remote.NewError(op, remote.KindBadRequest, fmt.Sprintf("invalid path %q", addr.Value))
	}
	return clean, nil
}

func (d *Drive) key(rel string) string {
	if d.prefix == "" {
		return rel
	}
	if rel == "" {
		return d.prefix
	}
	return d.prefix + "/" + rel
}

// dirKey is the marker key of a folder, which is also the prefix of its
// children. The root of an unprefixed drive has none.
func (d *Drive) dirKey(rel string) string {
	k := d.key(rel)
	if k == "" {
		return ""
	}
	return k + "/"
}

func itemID(rel string) string { return "/" + rel }

func parentID(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return "/"
	}
	return itemID(dir)
}

func fileItem(rel string, size int64, mod *time.Time, etag *string, meta map[string]string) *remote.Item {
	return &remote.Item{
		ID:           itemID(rel),
		Name:         path.Base(rel),
		ParentID:     parentID(rel),
		Size:         size,
		LastModified: aws.ToTime(mod).UTC(),
		ETag:         strings.Trim(aws.ToString(etag), `"`),
		Hash:         strings.ToLower(meta[metaSHA1]),
	}
}

func folderItem(rel string, mod *time.Time) *remote.Item {
	if rel == "" {
		return &remote.Item{ID: "/", Folder: true}
	}
	return &remote.Item{
		ID:           itemID(rel),
		Name:         path.Base(rel),
		ParentID:     parentID(rel),
		Folder:       true,
		LastModified: aws.ToTime(mod).UTC(),
	}
}
