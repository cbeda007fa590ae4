package upload

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/drivesync/internal/codec"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/utils"
)

const recordExt = ".json"

// Record is the on-disk state of an unfinished upload session.
type Record struct {
	Key         string                  `json:"key"`
	LocalPath   string                  `json:"localPath"`
	Parent      remote.Address          `json:"parent"`
	Name        string                  `json:"name"`
	Fingerprint string                  `json:"fingerprint"`
	Size        int64                   `json:"size"`
	ModTime     time.Time               `json:"modTime"`
	Hash        string                  `json:"hash,omitempty"`
	Conflict    remote.ConflictBehavior `json:"conflict"`
	ChunkSize   uint64                  `json:"chunkSize"`
	Session     *remote.UploadSession   `json:"session"`
	Position    uint64                  `json:"position"`
	SavedAt     time.Time               `json:"savedAt"`
}

// Matches reports whether the record was written for the same file content
// that desc describes.
func (r *Record) Matches(desc remote.ContentDescriptor) bool {
	return r.Session != nil &&
		r.Name == desc.Name &&
		r.LocalPath == desc.Path &&
		r.Size == desc.Size &&
		r.Fingerprint == Fingerprint(desc)
}

func (r *Record) Expired(now time.Time) bool {
	return r.Session == nil || r.Session.Expired(now)
}

func (r *Record) descriptor() remote.ContentDescriptor {
	return remote.ContentDescriptor{
		Name:    r.Name,
		Size:    r.Size,
		ModTime: r.ModTime,
		Hash:    r.Hash,
		Path:    r.LocalPath,
	}
}

func (r *Record) parentAddress() remote.Address { return r.Parent }

func newRecord(key string, desc remote.ContentDescriptor, parent remote.Address, conflict remote.ConflictBehavior, chunk uint64, us *remote.UploadSession, pos uint64, now time.Time) *Record {
	snapshot := *us
	if us.NextExpected != nil {
		next := *us.NextExpected
		snapshot.NextExpected = &next
	}
	return &Record{
		Key:         key,
		LocalPath:   desc.Path,
		Parent:      parent,
		Name:        desc.Name,
		Fingerprint: Fingerprint(desc),
		Size:        desc.Size,
		ModTime:     desc.ModTime,
		Hash:        desc.Hash,
		Conflict:    conflict,
		ChunkSize:   chunk,
		Session:     &snapshot,
		Position:    pos,
		SavedAt:     now.UTC(),
	}
}

// Fingerprint identifies a version of a local file by size and mtime.
func Fingerprint(desc remote.ContentDescriptor) string {
	return fmt.Sprintf("%d:%d", desc.Size, desc.ModTime.UnixNano())
}

// RecordKey names the resume record of desc uploaded under parent.
func RecordKey(parent remote.Address, desc remote.ContentDescriptor) string {
	sum := sha1.Sum([]byte(parent.String() + "|" + desc.Name + "|" + desc.Path))
	return hex.EncodeToString(sum[:])
}

// SessionStore keeps resume records as JSON files in a directory.
type SessionStore struct {
	dir string
}

func NewSessionStore(dir string) (*SessionStore, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("resume dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

func (s *SessionStore) Dir() string { return s.dir }

// Load returns the record stored under key, or nil if there is none.
// Unreadable records are removed.
func (s *SessionStore) Load(key string) (*Record, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume record: %w", err)
	}

	var rec Record
	if err := codec.Unmarshal(data, &rec); err != nil {
		_ = s.Remove(key)
		return nil, nil
	}
	return &rec, nil
}

func (s *SessionStore) Save(rec *Record) error {
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode resume record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, rec.Key+".*.tmp")
	if err != nil {
		return fmt.Errorf("write resume record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write resume record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write resume record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.Key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write resume record: %w", err)
	}
	return nil
}

// Remove deletes the record under key; a missing record is not an error.
func (s *SessionStore) Remove(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove resume record: %w", err)
	}
	return nil
}

// Prune removes records whose session expired before now and returns how
// many were removed.
func (s *SessionStore) Prune(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list resume records: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		key := strings.TrimSuffix(e.Name(), recordExt)
		rec, err := s.Load(key)
		if err != nil {
			return removed, err
		}
		if rec != nil && !rec.Expired(now) {
			continue
		}
		if err := s.Remove(key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *SessionStore) path(key string) string {
	return filepath.Join(s.dir, key+recordExt)
}
