// Package ignore decides which paths under the sync root are never synced.
package ignore

import (
	"bufio"
	"bytes"
	"log/slog"
	"strings"

	"github.com/openmined/drivesync/internal/localfs"
	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the per-root rules file, in gitignore syntax.
const FileName = ".driveignore"

var defaultIgnoreLines = []string{
	// drivesync
	".drivesync/",
	FileName,
	".drivesync-*.tmp",
	// General excludes
	"*.tmp",
	"*.swp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

type List struct {
	ignore *gitignore.GitIgnore
	rules  int
}

// New compiles the default rules followed by lines.
func New(lines ...string) *List {
	all := append(append([]string(nil), defaultIgnoreLines...), lines...)
	rules := 0
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "#") {
			rules++
		}
	}
	return &List{ignore: gitignore.CompileIgnoreLines(all...), rules: rules}
}

// Load reads FileName from the sync root. A missing or unreadable file
// leaves only the default rules.
func Load(fsys *localfs.FS) *List {
	data, err := fsys.ReadFile(FileName)
	if err != nil {
		if !localfs.IsNotExist(err) {
			slog.Warn("ignore file", "path", fsys.Abs(FileName), "error", err)
		}
		return New()
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("ignore file", "path", fsys.Abs(FileName), "error", err)
	}

	l := New(lines...)
	slog.Debug("ignore file loaded", "path", fsys.Abs(FileName), "rules", l.rules)
	return l
}

// Rules is the number of rules read from the ignore file.
func (l *List) Rules() int { return l.rules }

// ShouldIgnore reports whether the slash path rel is excluded. Conflict
// copies are always excluded: they were uploaded once when the conflict was
// resolved and are left for the user to merge.
func (l *List) ShouldIgnore(rel string, dir bool) bool {
	if rel == "" {
		return false
	}
	if !dir && localfs.IsMarkedPath(rel) {
		return true
	}
	if dir {
		rel += "/"
	}
	return l.ignore.MatchesPath(rel)
}
