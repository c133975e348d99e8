package util

import (
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/camera"
	"github.com/mpapenbr/racetimer-go/pkg/config"
	"github.com/mpapenbr/racetimer-go/pkg/gstreamer"
	"github.com/mpapenbr/racetimer-go/pkg/repository/archive"
)

// CaptureBackends returns the configured capture backends, or the platform
// defaults if none are configured.
func CaptureBackends(cfg *config.Config) []camera.Backend {
	if len(cfg.Camera.Backends) == 0 {
		return gstreamer.CaptureBackends()
	}
	return lo.Map(cfg.Camera.Backends, func(name string, _ int) camera.Backend {
		return gstreamer.NewCaptureBackend(name)
	})
}

// OpenArchive opens the configured archive. Without a directory the archive only
// lives in memory.
func OpenArchive(cfg *config.Config) (*archive.BadgerRepository, error) {
	if cfg.Archive.Dir == "" {
		log.Info("using in-memory race archive")
		return archive.OpenInMemory()
	}
	return archive.Open(cfg.Archive.Dir)
}

// WaitDuration parses the wait-for-services value, defaulting to 60s.
func WaitDuration() time.Duration {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}
	return timeout
}
