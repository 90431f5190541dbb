package batch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// IsImage reports whether name has one of the watched extensions, ignoring case.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

type candidate struct {
	path    string
	modTime time.Time
}

// scanImages lists image files directly inside dir, oldest first.
// Files modified after notAfter are left for a later scan so half-written
// uploads are not picked up.
func scanImages(dir string, notAfter time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var found []candidate
	for _, entry := range entries {
		if !IsImage(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		// Stat follows symlinks so linked images count as files.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if !notAfter.IsZero() && info.ModTime().After(notAfter) {
			continue
		}
		found = append(found, candidate{path: path, modTime: info.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.Before(found[j].modTime)
		}
		return found[i].path < found[j].path
	})

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}
