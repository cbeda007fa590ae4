package graph

import (
	"strings"
	"time"

	"github.com/openmined/drivesync/internal/remote"
)

const conflictKey = "@microsoft.graph.conflictBehavior"

type driveItem struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Size                 int64            `json:"size"`
	ETag                 string           `json:"eTag,omitempty"`
	LastModifiedDateTime time.Time        `json:"lastModifiedDateTime"`
	ParentReference      *itemReference   `json:"parentReference,omitempty"`
	Folder               *folderFacet     `json:"folder,omitempty"`
	File                 *fileFacet       `json:"file,omitempty"`
	FileSystemInfo       *fileSystemFacet `json:"fileSystemInfo,omitempty"`
}

type itemReference struct {
	ID      string `json:"id,omitempty"`
	DriveID string `json:"driveId,omitempty"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type fileFacet struct {
	MimeType string  `json:"mimeType,omitempty"`
	Hashes   *hashes `json:"hashes,omitempty"`
}

type hashes struct {
	SHA1Hash string `json:"sha1Hash,omitempty"`
}

type fileSystemFacet struct {
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
}

func (d *driveItem) toItem() *remote.Item {
	item := &remote.Item{
		ID:           d.ID,
		Name:         d.Name,
		Folder:       d.Folder != nil,
		Size:         d.Size,
		LastModified: d.LastModifiedDateTime.UTC(),
		ETag:         d.ETag,
	}
	if d.ParentReference != nil {
		item.ParentID = d.ParentReference.ID
	}
	if d.File != nil && d.File.Hashes != nil {
		item.Hash = strings.ToLower(d.File.Hashes.SHA1Hash)
	}
	return item
}

type listResponse struct {
	Value    []*driveItem `json:"value"`
	NextLink string       `json:"@odata.nextLink,omitempty"`
}

type createFolderRequest struct {
	Name     string      `json:"name"`
	Folder   folderFacet `json:"folder"`
	Conflict string      `json:"@microsoft.graph.conflictBehavior"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type moveRequest struct {
	ParentReference itemReference `json:"parentReference"`
}

type sessionItem struct {
	Conflict       string           `json:"@microsoft.graph.conflictBehavior"`
	Name           string           `json:"name,omitempty"`
	FileSystemInfo *fileSystemFacet `json:"fileSystemInfo,omitempty"`
}

type createSessionRequest struct {
	Item sessionItem `json:"item"`
}

type sessionResponse struct {
	UploadURL          string    `json:"uploadUrl,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
