package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent_Resolved(t *testing.T) {
	b := Current()
	assert.Equal(t, AppName, b.App)
	assert.NotEmpty(t, b.Version)
	assert.NotEmpty(t, b.Revision)
	assert.NotEmpty(t, b.BuildDate)
	assert.Contains(t, b.Platform, "/")

	assert.Equal(t, b.String(), Detailed())
	assert.Equal(t, b.UserAgent(), UserAgent())
}

func TestBuild_Strings(t *testing.T) {
	b := Build{
		App:       "drivesync",
		Version:   "1.2.3",
		Revision:  "abc123",
		BuildDate: "2026-03-01T09:00:00Z",
		Go:        "go1.23.6",
		Platform:  "linux/amd64",
	}
	assert.Equal(t, "1.2.3 (abc123; go1.23.6; linux/amd64; 2026-03-01T09:00:00Z)", b.String())
	assert.Equal(t, "drivesync/1.2.3 (abc123; linux/amd64)", b.UserAgent())
	assert.True(t, strings.HasPrefix(b.UserAgent(), b.App+"/"))
}

func TestBuild_WithStampsFillsDefaults(t *testing.T) {
	b := Build{Version: devVersion, Revision: devRevision}
	got := b.withStamps("v9.9.9", []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abcdef1234567890"},
		{Key: "vcs.modified", Value: "true"},
		{Key: "vcs.time", Value: "2025-12-12T01:00:00Z"},
	})

	assert.Equal(t, "9.9.9", got.Version)
	assert.Equal(t, "abcdef1234567890-dirty", got.Revision)
	assert.Equal(t, "2025-12-12T01:00:00Z", got.BuildDate)
}

func TestBuild_WithStampsKeepsLinkerValues(t *testing.T) {
	b := Build{Version: "1.2.3", Revision: "deadbeef", BuildDate: "from-ldflags"}
	got := b.withStamps("v9.9.9", []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abcdef"},
		{Key: "vcs.time", Value: "2025-12-12T01:00:00Z"},
	})
	assert.Equal(t, b, got)
}

func TestBuild_WithStampsIgnoresDevelModule(t *testing.T) {
	got := Build{Version: devVersion, Revision: devRevision}.withStamps("(devel)", nil)
	assert.Equal(t, devVersion, got.Version)
	assert.Equal(t, devRevision, got.Revision)
	assert.Empty(t, got.BuildDate)
}
