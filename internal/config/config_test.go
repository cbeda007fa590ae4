package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/drivesync/internal/remote/graph"
	"github.com/openmined/drivesync/internal/synchronizer"
	"github.com/openmined/drivesync/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_Defaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{LocalRoot: tmp, Remote: "mem://"}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Backend())
	assert.Equal(t, uint64(10<<20), cfg.ChunkBytes())
	assert.Equal(t, int64(upload.DefaultThreshold), cfg.ThresholdBytes())
	assert.Equal(t, "4.0 MiB", cfg.SimpleUploadThreshold)
	assert.Equal(t, synchronizer.DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, synchronizer.PolicyRename, cfg.Policy())
	assert.Equal(t, "rename", cfg.ConflictPolicy)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Equal(t, filepath.Join(tmp, ".drivesync", "sidecar.db"), cfg.SidecarPath)
	assert.Equal(t, filepath.Join(tmp, ".drivesync", "uploads"), cfg.ResumeDir)
}

func TestConfig_Validate_Remotes(t *testing.T) {
	tmp := t.TempDir()

	t.Run("graph", func(t *testing.T) {
		cfg := &Config{LocalRoot: tmp, Remote: "https://graph.example.com/v1.0", AccessToken: "tok", DriveID: "d1"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, BackendGraph, cfg.Backend())
		assert.Equal(t, &graph.Config{Endpoint: "https://graph.example.com/v1.0", DriveID: "d1", Token: "tok"}, cfg.Graph())
	})

	t.Run("graph without token", func(t *testing.T) {
		cfg := &Config{LocalRoot: tmp, Remote: "https://graph.example.com"}
		assert.ErrorIs(t, cfg.Validate(), graph.ErrNoToken)
	})

	t.Run("s3 from url", func(t *testing.T) {
		cfg := &Config{LocalRoot: tmp, Remote: "s3://bucket/some/prefix/"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, BackendS3, cfg.Backend())
		assert.Equal(t, "bucket", cfg.S3.Bucket)
		assert.Equal(t, "some/prefix", cfg.S3.Prefix)
		assert.Equal(t, "us-east-1", cfg.S3.Region)
	})

	t.Run("missing", func(t *testing.T) {
		cfg := &Config{LocalRoot: tmp}
		assert.ErrorIs(t, cfg.Validate(), ErrNoRemote)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		cfg := &Config{LocalRoot: tmp, Remote: "ftp://host"}
		assert.ErrorContains(t, cfg.Validate(), "scheme")
	})
}

func TestConfig_Validate_ChunkSizes(t *testing.T) {
	tmp := t.TempDir()
	cases := []struct {
		name   string
		remote string
		chunk  string
		ok     bool
	}{
		{"graph multiple", "https://g.example.com", "640KiB", true},
		{"graph not a multiple", "https://g.example.com", "1MB", false},
		{"s3 minimum", "s3://b", "5MiB", true},
		{"s3 too small", "s3://b", "1MiB", false},
		{"mem anything", "mem://", "1KB", true},
		{"garbage", "mem://", "lots", false},
		{"zero", "mem://", "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{LocalRoot: tmp, Remote: tc.remote, AccessToken: "tok", ChunkSize: tc.chunk}
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_Validate_BadValues(t *testing.T) {
	tmp := t.TempDir()

	cfg := &Config{LocalRoot: tmp, Remote: "mem://", ConflictPolicy: "coinflip"}
	assert.ErrorContains(t, cfg.Validate(), "conflict policy")

	cfg = &Config{LocalRoot: tmp, Remote: "mem://", LogLevel: "chatty"}
	assert.ErrorContains(t, cfg.Validate(), "log level")

	cfg = &Config{Remote: "mem://"}
	assert.ErrorContains(t, cfg.Validate(), "local root")

	file := filepath.Join(tmp, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg = &Config{LocalRoot: file, Remote: "mem://"}
	assert.ErrorContains(t, cfg.Validate(), "is a file")
}

func TestConfig_SaveAndLoad_Roundtrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "conf", "config.json")

	cfg := &Config{
		LocalRoot:        filepath.Join(tmp, "root"),
		Remote:           "https://g.example.com",
		AccessToken:      "tok",
		ChunkSize:        "960KiB",
		TwoWay:           true,
		ConflictPolicy:   "replace",
		PreserveUnsynced: true,
		RequestTimeout:   90 * time.Second,
		LogLevel:         "debug",
		Path:             path,
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())

	assert.Equal(t, cfg.LocalRoot, loaded.LocalRoot)
	assert.Equal(t, cfg.Remote, loaded.Remote)
	assert.Equal(t, "tok", loaded.AccessToken)
	assert.Equal(t, uint64(960*1024), loaded.ChunkBytes())
	assert.True(t, loaded.TwoWay)
	assert.True(t, loaded.PreserveUnsynced)
	assert.Equal(t, synchronizer.PolicyReplace, loaded.Policy())
	assert.Equal(t, 90*time.Second, loaded.RequestTimeout)
	assert.Equal(t, slog.LevelDebug, loaded.Level())
	assert.Equal(t, path, loaded.Path)
}

func TestLoadFromFile_HumanValues(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")
	body := `{
		"local_root": "` + filepath.ToSlash(tmp) + `",
		"remote": "s3://photos/backup",
		"s3": {"endpoint": "http://127.0.0.1:9000", "access_key": "ak", "secret_key": "sk"},
		"chunk_size": "8MiB",
		"simple_upload_threshold": "1MB",
		"request_timeout": "2m",
		"workers": 2
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "photos", cfg.S3.Bucket)
	assert.Equal(t, "backup", cfg.S3.Prefix)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.S3.Endpoint)
	assert.Equal(t, "ak", cfg.S3.AccessKey)
	assert.Equal(t, uint64(8<<20), cfg.ChunkBytes())
	assert.Equal(t, int64(1000*1000), cfg.ThresholdBytes())
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 2, cfg.Workers)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
