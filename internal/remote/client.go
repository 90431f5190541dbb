// Package remote talks to the inference host: upload a file, run a command,
// poll for its output and download the results, all over one SSH connection.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultTimeout bounds the TCP connect, SSH banner and authentication phases.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned by WaitFor when the remote output never appeared.
var ErrTimeout = errors.New("timed out waiting for remote processing")

// Endpoint describes how to reach one inference host.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	// PrivateKey (PEM) or PrivateKeyFile is tried before the password when set.
	PrivateKey     []byte
	PrivateKeyFile string
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string
	Timeout        time.Duration
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// Result is the outcome of a remote command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Client is an open connection to the inference host.
type Client interface {
	Upload(localPath, remotePath string) error
	Mkdir(remotePath string) error
	Run(ctx context.Context, cmd string) (*Result, error)
	Download(remotePath, localPath string) error
	Close() error
}

// Dialer opens Clients. Pipelines depend on this so tests can avoid SSH.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Client, error)
}

// SSHDialer dials real hosts with golang.org/x/crypto/ssh and pkg/sftp.
type SSHDialer struct {
	Logger *zap.Logger
}

// NewSSHDialer returns a dialer that logs through logger.
func NewSSHDialer(logger *zap.Logger) *SSHDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSHDialer{Logger: logger.Named("remote")}
}

// Dial connects and opens an SFTP session on the same connection.
func (d *SSHDialer) Dial(ctx context.Context, ep Endpoint) (Client, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	config, err := clientConfig(ep, timeout)
	if err != nil {
		return nil, err
	}

	addr := ep.Addr()
	netDialer := net.Dialer{Timeout: timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.Logger.Error("failed to connect", zap.String("addr", addr), zap.Error(err))
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The deadline covers banner exchange and authentication.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		d.Logger.Error("ssh handshake failed", zap.String("addr", addr), zap.Error(err))
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client, err := newSSHClient(ssh.NewClient(sshConn, chans, reqs), d.Logger)
	if err != nil {
		return nil, err
	}
	d.Logger.Info("connected to inference host", zap.String("addr", addr))
	return client, nil
}

func clientConfig(ep Endpoint, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	pem := ep.PrivateKey
	if len(pem) == 0 && ep.PrivateKeyFile != "" {
		data, err := os.ReadFile(ep.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pem = data
	}
	if len(pem) > 0 {
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if ep.Password != "" {
		auth = append(auth, ssh.Password(ep.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no credentials configured for %s", ep.Addr())
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if ep.KnownHostsFile != "" {
		cb, err := knownhosts.New(ep.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}
