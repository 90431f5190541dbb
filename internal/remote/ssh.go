package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

type sshClient struct {
	mu     sync.Mutex
	ssh    *ssh.Client
	sftp   *sftp.Client
	logger *zap.Logger
}

func newSSHClient(conn *ssh.Client, logger *zap.Logger) (*sshClient, error) {
	sc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	return &sshClient{ssh: conn, sftp: sc, logger: logger}, nil
}

// Upload copies a local file to remotePath, replacing it if present.
func (c *sshClient) Upload(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return fmt.Errorf("upload %s -> %s: %w", localPath, remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote %s: %w", remotePath, err)
	}
	c.logger.Debug("uploaded", zap.String("local", localPath), zap.String("remote", remotePath))
	return nil
}

// Mkdir creates remotePath. An existing directory is not an error.
func (c *sshClient) Mkdir(remotePath string) error {
	err := c.sftp.Mkdir(remotePath)
	if err == nil {
		return nil
	}
	if fi, statErr := c.sftp.Stat(remotePath); statErr == nil && fi.IsDir() {
		c.logger.Warn("remote directory already exists", zap.String("path", remotePath))
		return nil
	}
	return fmt.Errorf("mkdir %s: %w", remotePath, err)
}

// Run executes cmd in a new session. A non-zero exit is reported in Result, not as an error.
func (c *sshClient) Run(ctx context.Context, cmd string) (*Result, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	default:
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
	return res, nil
}

// Download copies remotePath to localPath, creating parent directories.
func (c *sshClient) Download(remotePath, localPath string) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local dir for %s: %w", localPath, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("download %s -> %s: %w", remotePath, localPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", localPath, err)
	}
	c.logger.Debug("downloaded", zap.String("remote", remotePath), zap.String("local", localPath))
	return nil
}

// Close shuts the SFTP session then the SSH connection. Safe to call twice.
func (c *sshClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			c.logger.Error("failed to close sftp session", zap.Error(err))
			errs = append(errs, err)
		} else {
			c.logger.Info("sftp session closed")
		}
		c.sftp = nil
	}
	if c.ssh != nil {
		if err := c.ssh.Close(); err != nil {
			c.logger.Error("failed to close ssh connection", zap.Error(err))
			errs = append(errs, err)
		} else {
			c.logger.Info("ssh connection closed")
		}
		c.ssh = nil
	}
	return errors.Join(errs...)
}
