package main

import (
	"context"
	"fmt"

	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/remote/graph"
	"github.com/openmined/drivesync/internal/remote/memdrive"
	"github.com/openmined/drivesync/internal/remote/s3drive"
)

// newRemote opens the drive named by cfg.Remote.
func newRemote(ctx context.Context, cfg *config.Config) (remote.Service, error) {
	switch cfg.Backend() {
	case config.BackendGraph:
		c, err := graph.New(cfg.Graph())
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendS3:
		d, err := s3drive.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.BackendMemory:
		return memdrive.New(), nil
	}
	return nil, fmt.Errorf("unsupported remote %q", cfg.Remote)
}
