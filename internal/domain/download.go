package domain

import "time"

type DownloadState string

const (
	StateDownloading DownloadState = "downloading"
	StateVerifying   DownloadState = "verifying"
	StateCompleted   DownloadState = "completed"
	StateFailed      DownloadState = "failed"
)

// DownloadRecord is the persisted outcome of one download session.
type DownloadRecord struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	OutPath      string        `json:"out_path"`
	State        DownloadState `json:"state"`
	TotalBytes   int64         `json:"total_bytes"`
	BytesWritten int64         `json:"bytes_written"`
	Digest       string        `json:"digest,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// ConnectionSnapshot is a point-in-time view of one connection's throughput.
type ConnectionSnapshot struct {
	ID       int   `json:"id"`
	Bytes    int64 `json:"bytes"`
	Speed    int64 `json:"speed_bps"`
	AvgSpeed int64 `json:"avg_speed_bps"`
}

// Snapshot is a point-in-time view of a live download session, served by the
// status API while the session runs.
type Snapshot struct {
	ID          string               `json:"id"`
	URL         string               `json:"url"`
	OutPath     string               `json:"out_path"`
	State       DownloadState        `json:"state"`
	TotalBytes  int64                `json:"total_bytes"`
	Written     int64                `json:"bytes_written"`
	Speed       int64                `json:"speed_bps"`
	StartedAt   time.Time            `json:"started_at"`
	Connections []ConnectionSnapshot `json:"connections"`
}
