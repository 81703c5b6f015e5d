package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/corvid-dl/corvid/internal/domain"
)

func (s *PersistentStore) SaveDownload(rec *domain.DownloadRecord) error {
	query := `INSERT OR REPLACE INTO downloads
              (id, url, out_path, state, total_bytes, bytes_written, digest, error, started_at, finished_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		rec.ID,
		rec.URL,
		rec.OutPath,
		rec.State,
		rec.TotalBytes,
		rec.BytesWritten,
		rec.Digest,
		rec.Error,
		rec.StartedAt,
		rec.FinishedAt,
	)
	return err
}

func (s *PersistentStore) GetDownload(id string) (*domain.DownloadRecord, error) {
	query := `SELECT id, url, out_path, state, total_bytes, bytes_written, digest, error, started_at, finished_at
              FROM downloads WHERE id = ? LIMIT 1`

	rec := &domain.DownloadRecord{}
	err := s.db.QueryRow(query, id).Scan(
		&rec.ID, &rec.URL, &rec.OutPath, &rec.State, &rec.TotalBytes,
		&rec.BytesWritten, &rec.Digest, &rec.Error, &rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to fetch download: %w", err)
	}
	return rec, nil
}

func (s *PersistentStore) ListDownloads(limit int) ([]*domain.DownloadRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	// KSUIDs sort chronologically, newest first here.
	query := `SELECT id, url, out_path, state, total_bytes, bytes_written, digest, error, started_at, finished_at
              FROM downloads ORDER BY id DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.DownloadRecord
	for rows.Next() {
		rec := &domain.DownloadRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.URL, &rec.OutPath, &rec.State, &rec.TotalBytes,
			&rec.BytesWritten, &rec.Digest, &rec.Error, &rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
