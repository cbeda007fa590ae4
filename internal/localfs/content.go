package localfs

import (
	"os"

	"github.com/openmined/drivesync/internal/remote"
	"github.com/spf13/afero"
)

// FileContent is an open local file handed to an upload.
type FileContent struct {
	afero.File
	Desc remote.ContentDescriptor
}

var _ remote.Content = (*FileContent)(nil)

func (c *FileContent) Descriptor() remote.ContentDescriptor { return c.Desc }

func contentDescriptor(name, abs string, info os.FileInfo, hash string) remote.ContentDescriptor {
	return remote.ContentDescriptor{
		Path:    abs,
		Name:    name,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
		Hash:    hash,
	}
}
