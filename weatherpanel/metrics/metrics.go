// Package metrics records per-cycle timing figures for the external
// collector. The daemon only appends; querying and dashboarding live
// elsewhere.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CycleMetrics is one cycle's outcome.
type CycleMetrics struct {
	Timestamp         time.Time
	Elapsed           time.Duration
	Sleep             time.Duration
	BoundaryDeviation time.Duration
	Success           bool
	Error             string
}

// Recorder persists cycle metrics.
type Recorder interface {
	Record(m CycleMetrics) error
	Close() error
}

// record is the wire form: durations as seconds so the collector does not
// need to know Go's Duration encoding.
type record struct {
	Timestamp    string  `json:"timestamp"`
	ElapsedSec   float64 `json:"elapsed_sec"`
	SleepSec     float64 `json:"sleep_sec"`
	DiffSec      float64 `json:"diff_sec"`
	Success      bool    `json:"success"`
	ErrorMessage string  `json:"error,omitempty"`
}

// FileRecorder appends one JSON line per cycle.
type FileRecorder struct {
	f   *os.File
	enc *json.Encoder
}

// NewFileRecorder opens (or creates) the metrics file for appending.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}

	return &FileRecorder{f: f, enc: json.NewEncoder(f)}, nil
}

func (r *FileRecorder) Record(m CycleMetrics) error {
	return r.enc.Encode(record{
		Timestamp:    m.Timestamp.Format(time.RFC3339),
		ElapsedSec:   m.Elapsed.Seconds(),
		SleepSec:     m.Sleep.Seconds(),
		DiffSec:      m.BoundaryDeviation.Seconds(),
		Success:      m.Success,
		ErrorMessage: m.Error,
	})
}

func (r *FileRecorder) Close() error {
	return r.f.Close()
}

// Discard drops all metrics. Used when no metrics file is configured.
type Discard struct{}

func (Discard) Record(CycleMetrics) error { return nil }

func (Discard) Close() error { return nil }
