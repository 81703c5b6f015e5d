package app

import (
	"github.com/corvid-dl/corvid/internal/domain"
	"github.com/corvid-dl/corvid/internal/infra/config"
	"github.com/corvid-dl/corvid/internal/infra/logger"
)

// Store is the history surface the API needs, kept here so the api package
// doesn't import the sqlite store directly.
type Store interface {
	GetDownload(id string) (*domain.DownloadRecord, error)
	ListDownloads(limit int) ([]*domain.DownloadRecord, error)
}

// Sessions exposes live download state without importing the engine.
type Sessions interface {
	Active() []*domain.Snapshot
	Get(id string) *domain.Snapshot
}

// Context holds the core environment and shared resources.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Store    Store
	Sessions Sessions
}

func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
