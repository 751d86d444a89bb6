package sshshell

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/antonkrylov/vmrunner/internal/shell"
)

// startTestServer runs an SSH server that answers every exec request with a
// local sh reading from the channel.
func startTestServer(t *testing.T) (addr string, keyPath string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)
	keyPath = filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return ln.Addr().String(), keyPath
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		go func() {
			cmd := exec.Command("sh")
			cmd.Stdin = ch
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			status := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					status = exitErr.ExitCode()
				} else {
					status = 255
				}
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			ch.Close()
		}()
	}
}

func testConfig(t *testing.T) Config {
	addr, keyPath := startTestServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", portStr)
	require.NoError(t, err)
	return Config{
		Host:           host,
		Port:           port,
		User:           "travis",
		PrivateKeyPath: keyPath,
		Shell:          "sh -s",
		DialTimeout:    5 * time.Second,
	}
}

func TestDialRunsSessionCommands(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr, err := Dial(ctx, cfg)
	require.NoError(t, err)
	sess, err := shell.New(shell.Options{VM: "vm1", Transport: tr})
	require.NoError(t, err)

	out, err := sess.Evaluate(ctx, shell.Command{"echo hello"})
	require.NoError(t, err)
	require.Equal(t, "hello\n", out)

	res := sess.Execute(ctx, shell.Command{"cd /", "false"})
	require.Equal(t, shell.KindExitNonZero, res.Kind)
	require.Contains(t, sess.Output(), "$ cd /\n")

	out, err = sess.Evaluate(ctx, shell.Command{"pwd"})
	require.NoError(t, err)
	require.Equal(t, "/\n", out)

	require.NoError(t, sess.Close(ctx))
}

func TestLoadSignerRejectsOpenPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o644))
	_, err := loadSigner(path)
	require.ErrorContains(t, err, "insecure permissions")

	_, err = loadSigner(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "not found")
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(errors.New("dial tcp 127.0.0.1:2222: connect: connection refused")))
	require.True(t, retryable(errors.New("ssh: handshake failed: EOF")))
	require.False(t, retryable(errors.New("ssh: unable to authenticate")))
}
