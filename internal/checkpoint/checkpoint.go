// Package checkpoint persists the set of images a batch run has already
// processed so that a restarted run resumes where the last one stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Unknown fills fields that legacy checkpoints never stored.
const Unknown = "unknown"

// ErrNotCheckpoint reports a JSON document without a processed_images list.
var ErrNotCheckpoint = errors.New("not a checkpoint: missing processed_images")

// Entry records one processed image.
type Entry struct {
	FilePath      string `json:"file_path"`
	ProcessID     string `json:"process_id"`
	ProcessedTime string `json:"processed_time"`
}

// NewEntry stamps an entry with the current time.
func NewEntry(filePath, processID string, at time.Time) Entry {
	return Entry{
		FilePath:      filePath,
		ProcessID:     processID,
		ProcessedTime: at.Format(time.RFC3339Nano),
	}
}

// document is the on-disk layout.
type document struct {
	ProcessedImages []Entry `json:"processed_images"`
	LastUpdate      string  `json:"last_update"`
}

// Checkpoint is the processed set backed by one JSON file. It is safe for concurrent use.
type Checkpoint struct {
	path string

	mu         sync.RWMutex
	entries    []Entry
	index      map[string]int
	lastUpdate time.Time

	now func() time.Time
}

// New returns an empty checkpoint that will be written to path.
func New(path string) *Checkpoint {
	return &Checkpoint{
		path:  path,
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Load reads path. A missing file yields an empty checkpoint.
func Load(path string) (*Checkpoint, error) {
	cp := New(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	entries, lastUpdate, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	for _, e := range entries {
		cp.put(e)
	}
	cp.lastUpdate = lastUpdate
	return cp, nil
}

// decode accepts both the current entry list and the legacy list of paths.
func decode(data []byte) ([]Entry, time.Time, error) {
	var raw struct {
		ProcessedImages *[]json.RawMessage `json:"processed_images"`
		LastUpdate      string             `json:"last_update"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, time.Time{}, err
	}
	if raw.ProcessedImages == nil {
		return nil, time.Time{}, ErrNotCheckpoint
	}

	entries := make([]Entry, 0, len(*raw.ProcessedImages))
	for _, item := range *raw.ProcessedImages {
		var legacy string
		if err := json.Unmarshal(item, &legacy); err == nil {
			if legacy != "" {
				entries = append(entries, Entry{FilePath: legacy, ProcessID: Unknown, ProcessedTime: Unknown})
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal(item, &e); err != nil {
			return nil, time.Time{}, err
		}
		if e.FilePath == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries, ParseTime(raw.LastUpdate), nil
}

// ParseTime reads the timestamps written by this package and by older tools
// (ISO 8601 without zone). Unparsable input yields the zero time.
func ParseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (c *Checkpoint) put(e Entry) {
	if i, ok := c.index[e.FilePath]; ok {
		c.entries[i] = e
		return
	}
	c.index[e.FilePath] = len(c.entries)
	c.entries = append(c.entries, e)
}

// Path returns the backing file.
func (c *Checkpoint) Path() string { return c.path }

// Contains reports whether filePath was already processed.
func (c *Checkpoint) Contains(filePath string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[filePath]
	return ok
}

// Len returns the number of processed images.
func (c *Checkpoint) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy in insertion order.
func (c *Checkpoint) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// LastUpdate is the time of the last successful Save or the loaded value.
func (c *Checkpoint) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Record adds or replaces the entry for e.FilePath. It does not write to disk.
func (c *Checkpoint) Record(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(e)
}

// Save writes the whole set, replacing the file atomically.
func (c *Checkpoint) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	doc := document{
		ProcessedImages: append([]Entry{}, c.entries...),
		LastUpdate:      now.Format(time.RFC3339Nano),
	}
	if err := WriteJSON(c.path, doc); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	c.lastUpdate = now
	return nil
}

// WriteJSON marshals v with indentation and renames it into place.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
