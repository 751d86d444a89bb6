// Package sshshell opens the persistent VM shell over SSH.
package sshshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"

	"github.com/antonkrylov/vmrunner/internal/shellproto"
)

// Config describes how to reach the VM's SSH daemon.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	// Proxy is an optional socks5:// URL the connection is tunnelled through.
	Proxy string
	// Shell is the remote command that hosts the session. Defaults to a login bash
	// reading commands from stdin.
	Shell       string
	DialTimeout time.Duration
	// Attempts bounds connection retries while sshd is still coming up.
	Attempts        int
	HostKeyCallback ssh.HostKeyCallback
	Logger          *slog.Logger
}

const defaultShell = "bash --login -s"

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 1
	}
	if c.HostKeyCallback == nil {
		// Build VMs are recreated from snapshots and present throwaway host keys.
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Addr is the host:port the config dials.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dial connects to the VM and starts the shell that all commands of one
// session run in.
func Dial(ctx context.Context, cfg Config) (*shellproto.Shell, error) {
	cfg.setDefaults()
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	signer, err := loadSigner(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}

	cfg.Logger.Info("starting ssh session", "addr", cfg.Addr(), "user", cfg.User)
	client, err := dialWithRetry(ctx, cfg, clientCfg)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw
	if err := sess.Start(cfg.Shell); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("start remote shell: %w", err)
	}
	go func() {
		err := sess.Wait()
		if err == nil {
			err = io.EOF
		}
		pw.CloseWithError(err)
	}()
	sh := shellproto.New(stdin, pr, func() error {
		sessErr := sess.Close()
		if errors.Is(sessErr, io.EOF) {
			sessErr = nil
		}
		return errors.Join(sessErr, client.Close())
	}, cfg.Logger)
	settleCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := sh.Settle(settleCtx); err != nil {
		_ = sh.Close()
		return nil, err
	}
	cfg.Logger.Info("ssh session ready", "addr", cfg.Addr())
	return sh, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ssh private key path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("ssh key file not found: %s", path)
		}
		return nil, fmt.Errorf("ssh key file error: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("ssh key file %s has insecure permissions %o (should be 0600 or stricter)", path, info.Mode().Perm())
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

func dialWithRetry(ctx context.Context, cfg Config, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	delay := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		client, err := dialOnce(ctx, cfg, clientCfg)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if attempt == cfg.Attempts || !retryable(err) {
			break
		}
		cfg.Logger.Warn("ssh dial failed, retrying", "addr", cfg.Addr(), "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
	return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr(), lastErr)
}

func dialOnce(ctx context.Context, cfg Config, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, err := dialTCP(dialCtx, cfg)
	if err != nil {
		return nil, err
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func dialTCP(ctx context.Context, cfg Config) (net.Conn, error) {
	if strings.TrimSpace(cfg.Proxy) == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.Addr())
	}
	u, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", cfg.Addr())
	}
	return dialer.Dial("tcp", cfg.Addr())
}

// retryable reports whether err looks like sshd is not up yet.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") {
		return false
	}
	for _, s := range []string{"connection refused", "connection reset", "no route to host", "EOF", "handshake failed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
