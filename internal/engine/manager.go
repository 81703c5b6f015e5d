package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/corvid-dl/corvid/internal/domain"
	"github.com/corvid-dl/corvid/internal/infra/config"
	"github.com/corvid-dl/corvid/internal/infra/logger"
	"github.com/corvid-dl/corvid/internal/transport"
)

// HistoryStore persists finished download records.
type HistoryStore interface {
	SaveDownload(rec *domain.DownloadRecord) error
	GetDownload(id string) (*domain.DownloadRecord, error)
	ListDownloads(limit int) ([]*domain.DownloadRecord, error)
}

// Manager tracks live sessions and writes their outcomes to the history
// store. The status API reads through it.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg       *config.Config
	log       *logger.Logger
	connector *transport.HTTPConnector
	store     HistoryStore
}

func NewManager(cfg *config.Config, log *logger.Logger, store HistoryStore) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		cfg:       cfg,
		log:       log,
		connector: transport.NewHTTPConnector(nil),
		store:     store,
	}
}

// Download runs one session to completion and records the outcome.
func (m *Manager) Download(ctx context.Context, opts SessionOptions) (*domain.DownloadRecord, error) {
	sess, err := NewSession(m.cfg, m.log, m.connector, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
	}()

	record, runErr := sess.Run(ctx)
	if m.store != nil {
		if serr := m.store.SaveDownload(record); serr != nil {
			m.log.Error("saving download record: %v", serr)
		}
	}
	return record, runErr
}

// Active returns snapshots of every live session, ordered by id.
func (m *Manager) Active() []*domain.Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	snaps := make([]*domain.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// Get returns the live snapshot for id, or nil when no such session runs.
func (m *Manager) Get(id string) *domain.Snapshot {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return sess.Snapshot()
}
