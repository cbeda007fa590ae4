package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/remote/memdrive"
	"github.com/openmined/drivesync/internal/synchronizer"
	"github.com/openmined/drivesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	cmd := &cobra.Command{Use: "drivesync"}
	cmd.AddCommand(newVersionCmd())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.Detailed(), strings.TrimSpace(out.String()))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "S3_ACCESS_KEY", envKey("s3.access_key"))
	assert.Equal(t, "REQUEST_TIMEOUT", envKey("request_timeout"))
}

func TestNewRemote_Memory(t *testing.T) {
	cfg := &config.Config{LocalRoot: t.TempDir(), Remote: "mem://"}
	require.NoError(t, cfg.Validate())

	svc, err := newRemote(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &memdrive.Drive{}, svc)
}

func TestApp_PassBothWays(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{LocalRoot: root, Remote: "mem://", TwoWay: true}
	require.NoError(t, cfg.Validate())

	drive := memdrive.New()
	drive.Put("docs/remote.txt", []byte("from remote"), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, os.WriteFile(filepath.Join(root, "local.txt"), []byte("from local"), 0o644))

	a, err := newAppWithRemote(cfg, drive)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.pass(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, report.Failed)
	assert.Contains(t, report.Created, "local.txt")

	data, ok := drive.Read("local.txt")
	require.True(t, ok)
	assert.Equal(t, "from local", string(data))

	got, err := os.ReadFile(filepath.Join(root, "docs", "remote.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from remote", string(got))

	assert.FileExists(t, cfg.SidecarPath)
	assert.DirExists(t, cfg.ResumeDir)

	again, err := a.pass(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, again.Changes())
}

func TestRootCommand_SyncAndInit(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	tmp := t.TempDir()
	root := filepath.Join(tmp, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	confPath := filepath.Join(tmp, "conf", "config.json")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"sync",
		"--config", filepath.Join(tmp, "missing.json"),
		"--env-file", filepath.Join(tmp, "missing.env"),
		"--root", root,
		"--remote", "mem://",
		"--two-way",
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "created 1,")
	assert.Contains(t, out.String(), "failed 0")

	viper.Reset()
	out.Reset()
	rootCmd.SetArgs([]string{"init",
		"--config", confPath,
		"--env-file", filepath.Join(tmp, "missing.env"),
		"--root", root,
		"--remote", "mem://",
		"--chunk-size", "1MiB",
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), confPath)

	saved, err := config.LoadFromFile(confPath)
	require.NoError(t, err)
	require.NoError(t, saved.Validate())
	assert.Equal(t, root, saved.LocalRoot)
	assert.Equal(t, "mem://", saved.Remote)
	assert.Equal(t, uint64(1<<20), saved.ChunkBytes())
	assert.True(t, saved.TwoWay)
}

func TestWatchLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string)
	calls := make(chan int, 10)
	var mu sync.Mutex
	n := 0
	run := func(context.Context) error {
		mu.Lock()
		n++
		cur := n
		mu.Unlock()
		calls <- cur
		switch cur {
		case 2:
			return synchronizer.ErrSyncAlreadyRunning
		case 3:
			return errors.New("remote down")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- watchLoop(ctx, clock, time.Minute, changes, run) }()

	wait := func(want int) {
		t.Helper()
		select {
		case got := <-calls:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("pass %d never ran", want)
		}
	}

	// a pass runs at once
	wait(1)

	// the timer triggers one when nothing changes
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	wait(2)

	// local changes trigger one; failed passes do not stop the loop
	changes <- []string{"a.txt"}
	wait(3)
	changes <- []string{"b.txt"}
	wait(4)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch loop did not stop")
	}
}
