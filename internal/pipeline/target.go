// Package pipeline drives the two remote inference jobs: single image anomaly
// detection and folder level film trend analysis.
package pipeline

import (
	"path"
	"strings"
	"time"

	"github.com/cexll/inspector/internal/remote"
)

// Pipeline names, also used as metric and history labels.
const (
	NameAnomaly = "anomaly_detection"
	NameTrend   = "trend_analysis"
)

// Target is one remote deployment of a model plus where its results land locally.
type Target struct {
	Endpoint remote.Endpoint
	// BasePath is the model checkout on the remote host; upload/ and output/ live under it.
	BasePath        string
	CondaExecutable string
	CondaEnv        string
	// DownloadDir receives one subdirectory per process id.
	DownloadDir string

	PollInterval time.Duration
	MaxWait      time.Duration
}

func (t Target) base() string {
	return strings.TrimRight(strings.ReplaceAll(t.BasePath, `\`, "/"), "/")
}

func (t Target) uploadPath(elem ...string) string {
	return path.Join(append([]string{t.base(), "upload"}, elem...)...)
}

func (t Target) outputDir(processID string) string {
	return path.Join(t.base(), "output", processID)
}

// scriptCommand runs script inside the conda environment from the model checkout.
func (t Target) scriptCommand(script string, args ...string) string {
	conda := t.CondaExecutable
	if conda == "" {
		conda = "conda"
	}
	argv := append([]string{conda, "run", "-n", t.CondaEnv, "python3", script}, args...)
	return remote.BashC("cd " + remote.Quote(t.base()) + " && " + remote.Join(argv...))
}
