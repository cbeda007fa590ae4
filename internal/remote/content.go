package remote

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"time"
)

type bytesContent struct {
	*bytes.Reader
	desc ContentDescriptor
}

// BytesContent wraps an in-memory buffer as upload Content.
func BytesContent(name string, data []byte, mod time.Time) Content {
	sum := sha1.Sum(data)
	return &bytesContent{
		Reader: bytes.NewReader(data),
		desc: ContentDescriptor{
			Name:    name,
			Size:    int64(len(data)),
			ModTime: mod,
			Hash:    hex.EncodeToString(sum[:]),
		},
	}
}

func (c *bytesContent) Descriptor() ContentDescriptor { return c.desc }

func (c *bytesContent) Close() error { return nil }
