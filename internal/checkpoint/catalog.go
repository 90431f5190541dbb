package checkpoint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// NameLayout names checkpoint files after their creation time.
const NameLayout = "20060102_150405"

// NewPath returns dir/<YYYYmmdd_HHMMSS>.json for now.
func NewPath(dir string, now time.Time) string {
	return filepath.Join(dir, now.Format(NameLayout)+".json")
}

// Info summarizes one checkpoint file for selection.
type Info struct {
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	ProcessedCount int       `json:"processed_count"`
	LastUpdate     time.Time `json:"last_update,omitempty"`
	Err            string    `json:"error,omitempty"`
}

// List describes every *.json checkpoint in dir, newest first.
// Files that fail to load are still listed with Err set.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info := Info{Name: name, Path: filepath.Join(dir, name)}
		if created, err := time.ParseInLocation(NameLayout, strings.TrimSuffix(name, ".json"), time.Local); err == nil {
			info.CreatedAt = created
		}
		if cp, err := Load(info.Path); err != nil {
			info.Err = err.Error()
		} else {
			info.ProcessedCount = cp.Len()
			info.LastUpdate = cp.LastUpdate()
		}
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].Name > infos[j].Name
	})
	return infos, nil
}

// Latest returns the newest checkpoint in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	infos, err := List(dir)
	if err != nil || len(infos) == 0 {
		return "", err
	}
	return infos[0].Path, nil
}
