package localfs

import (
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"
)

// Marker is a dot-suffix placed before a file's extension.
type Marker string

const Conflict Marker = ".conflict"

const rotationFormat = "20060102150405"

// marker, optional rotation stamp, optional extension, end of name
var conflictRe = regexp.MustCompile(regexp.QuoteMeta(string(Conflict)) + `(?:\.\d{14})?(\.[^.]*)?$`)

// MarkedPath is rel with the marker inserted before the extension:
// "a/file.txt" becomes "a/file.conflict.txt".
func MarkedPath(rel string, m Marker) string {
	ext := path.Ext(rel)
	return strings.TrimSuffix(rel, ext) + string(m) + ext
}

func rotatedPath(rel string, t time.Time) string {
	ext := path.Ext(rel)
	return fmt.Sprintf("%s.%s%s", strings.TrimSuffix(rel, ext), t.Format(rotationFormat), ext)
}

// IsMarkedPath reports whether rel carries a conflict marker, rotated or not.
func IsMarkedPath(rel string) bool {
	return conflictRe.MatchString(path.Base(rel))
}

// UnmarkedPath strips conflict markers and rotation stamps from rel.
func UnmarkedPath(rel string) string {
	return path.Join(path.Dir(rel), conflictRe.ReplaceAllString(path.Base(rel), "$1"))
}

// SetMarker renames rel to its marked path and returns the new path. An
// existing marked file is first rotated aside under a timestamp.
func (f *FS) SetMarker(rel string, m Marker) (string, error) {
	e, ok, err := f.Stat(rel)
	if err != nil {
		return "", err
	}
	if !ok || e.Dir {
		return "", &IOError{Op: "mark", Path: rel, Err: fmt.Errorf("not a file")}
	}

	marked := MarkedPath(rel, m)
	if _, exists, err := f.Stat(marked); err != nil {
		return "", err
	} else if exists {
		rotated := rotatedPath(marked, f.Now())
		if err := f.fs.Rename(f.Abs(marked), f.Abs(rotated)); err != nil {
			return "", ioErr("rotate marker", marked, err)
		}
		slog.Debug("rotated marked file", "from", marked, "to", rotated)
	}

	if err := f.fs.Rename(f.Abs(rel), f.Abs(marked)); err != nil {
		return "", ioErr("mark", rel, err)
	}
	return marked, nil
}
