package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cexll/inspector/internal/remote"
)

// fakeHost mirrors remote paths under root on the local disk.
type fakeHost struct {
	root string

	mu       sync.Mutex
	commands []string
	uploads  []string
	closed   int
	dialErr  error
	onRun    func(h *fakeHost, cmd string) (*remote.Result, error)
}

func (h *fakeHost) local(remotePath string) string {
	return filepath.Join(h.root, filepath.FromSlash(remotePath))
}

func (h *fakeHost) Dial(ctx context.Context, ep remote.Endpoint) (remote.Client, error) {
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return h, nil
}

func (h *fakeHost) Upload(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.local(remotePath)), 0o755); err != nil {
		return err
	}
	h.mu.Lock()
	h.uploads = append(h.uploads, remotePath)
	h.mu.Unlock()
	return os.WriteFile(h.local(remotePath), data, 0o644)
}

func (h *fakeHost) Mkdir(remotePath string) error {
	return os.MkdirAll(h.local(remotePath), 0o755)
}

func (h *fakeHost) Run(ctx context.Context, cmd string) (*remote.Result, error) {
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	h.mu.Unlock()
	if h.onRun == nil {
		return &remote.Result{}, nil
	}
	return h.onRun(h, cmd)
}

func (h *fakeHost) Download(remotePath, localPath string) error {
	data, err := os.ReadFile(h.local(remotePath))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) write(remotePath, content string) {
	p := h.local(remotePath)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		panic(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		panic(err)
	}
}

func (h *fakeHost) exists(remotePath string) bool {
	_, err := os.Stat(h.local(remotePath))
	return err == nil
}

// argAfter extracts the value following flag in a command line.
func argAfter(cmd, flag string) string {
	fields := strings.Fields(strings.NewReplacer(`'"'"'`, "", "'", "").Replace(cmd))
	for i, f := range fields {
		if f == flag && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

var errDial = errors.New("connection refused")
