// Package streak counts consecutive anomalous results and raises an alert
// once a run reaches the configured threshold.
package streak

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cexll/inspector/internal/checkpoint"
)

// DefaultThreshold is the number of anomalies in a row that triggers an alert.
const DefaultThreshold = 15

// Alert carries the images that made up a completed streak.
type Alert struct {
	Count    int                `json:"count"`
	Images   []checkpoint.Entry `json:"images"`
	RaisedAt time.Time          `json:"raised_at"`
	// RecordPath is set once the alert has been written to disk.
	RecordPath string `json:"record_path,omitempty"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	threshold int

	mu     sync.Mutex
	images []checkpoint.Entry
	now    func() time.Time
}

// NewTracker returns a tracker; threshold <= 0 uses DefaultThreshold.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold, now: time.Now}
}

// Threshold returns the configured alert threshold.
func (t *Tracker) Threshold() int { return t.threshold }

// Observe feeds one result. A normal result clears the streak. When the streak
// reaches the threshold the alert is returned and counting starts over.
func (t *Tracker) Observe(entry checkpoint.Entry, anomalous bool) (*Alert, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !anomalous {
		t.images = nil
		return nil, false
	}

	t.images = append(t.images, entry)
	if len(t.images) < t.threshold {
		return nil, false
	}

	alert := &Alert{
		Count:    len(t.images),
		Images:   t.images,
		RaisedAt: t.now(),
	}
	t.images = nil
	return alert, true
}

// Count is the length of the current streak.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.images)
}

// Reset clears the current streak.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.images = nil
}

// DefaultRecordDir is where streak records are written unless configured otherwise.
const DefaultRecordDir = "temp/consecutive_anomalies"

// Recorder persists alerts in the same layout as checkpoints so the files can
// be inspected with the same tools.
type Recorder struct {
	Dir string
}

// Save writes alert to Dir/<YYYYmmdd_HHMMSS>.json and sets alert.RecordPath.
// A second alert in the same second gets a _1, _2, ... suffix.
func (r Recorder) Save(alert *Alert) (string, error) {
	dir := r.Dir
	if dir == "" {
		dir = DefaultRecordDir
	}
	path := freeName(dir, alert.RaisedAt.Format(checkpoint.NameLayout))

	doc := struct {
		ProcessedImages []checkpoint.Entry `json:"processed_images"`
		LastUpdate      string             `json:"last_update"`
	}{
		ProcessedImages: append([]checkpoint.Entry{}, alert.Images...),
		LastUpdate:      alert.RaisedAt.Format(time.RFC3339Nano),
	}
	if err := checkpoint.WriteJSON(path, doc); err != nil {
		return "", fmt.Errorf("save anomaly record: %w", err)
	}
	alert.RecordPath = path
	return path, nil
}

func freeName(dir, stem string) string {
	path := filepath.Join(dir, stem+".json")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.json", stem, i))
	}
}
