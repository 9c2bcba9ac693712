// Package sshfb pushes frames to a Raspberry Pi framebuffer over SSH: the
// PNG is streamed to tmpfs on the remote host and displayed with fbi. The
// previous fbi process is killed first since it lingers after detaching.
package sshfb

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mkohda/go-weatherpanel/weatherpanel/display"
)

const (
	connectTimeout = 2 * time.Second
	remoteImage    = "/dev/shm/display.png"
	killCommand    = "sudo killall -9 fbi"
	displayCommand = "cat - > " + remoteImage +
		" && sudo fbi -1 -T 1 -d /dev/fb0 --noverbose " + remoteImage
)

// Backend implements display.Backend over an SSH connection. The connection
// is established lazily and re-established on the push after a failure.
type Backend struct {
	host    string
	port    int
	user    string
	keyPath string
	cfg     display.Config

	// mu guards client: the ctx watcher inside Push runs on another
	// goroutine, so every read or write of the shared field is locked.
	mu     sync.Mutex
	client *ssh.Client
}

// New creates an SSH framebuffer backend for the given target.
func New(host string, port int, user, keyPath string) *Backend {
	return &Backend{host: host, port: port, user: user, keyPath: keyPath}
}

func (b *Backend) Init(cfg display.Config) error {
	if b.host == "" {
		return fmt.Errorf("display host is required")
	}
	b.cfg = cfg
	return nil
}

// Push encodes the frame as PNG and displays it on the remote framebuffer.
func (b *Backend) Push(ctx context.Context, frame image.Image) error {
	if err := b.cfg.CheckFrameSize(frame); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	client, err := b.ensureConnected()
	if err != nil {
		return err
	}

	// The ssh package has no context support; closing the client unblocks
	// any in-flight session when ctx is canceled. The watcher only closes
	// the client captured above; the shared field is updated exclusively
	// through drop and Cleanup, under the mutex.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	b.killLeftoverViewer(client)

	if err := b.streamFrame(client, buf.Bytes()); err != nil {
		b.drop(client)
		return err
	}
	if err := ctx.Err(); err != nil {
		// The watcher closed this client; do not reuse it.
		b.drop(client)
		return err
	}
	return nil
}

func (b *Backend) Cleanup() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if client != nil {
		client.Close()
	}
	return nil
}

// ensureConnected returns the live client, dialing a fresh one if needed.
func (b *Backend) ensureConnected() (*ssh.Client, error) {
	b.mu.Lock()
	if b.client != nil {
		client := b.client
		b.mu.Unlock()
		return client, nil
	}
	b.mu.Unlock()

	key, err := os.ReadFile(b.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            b.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", b.host, b.port)
	slog.Info("connecting to display host", "addr", addr, "user", b.user)

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return client, nil
}

// drop closes a failed client and forgets it, unless a newer connection has
// already replaced it.
func (b *Backend) drop(client *ssh.Client) {
	client.Close()

	b.mu.Lock()
	if b.client == client {
		b.client = nil
	}
	b.mu.Unlock()
}

// killLeftoverViewer terminates the fbi process left by the previous push.
// Failure here is expected on the first push and is only logged.
func (b *Backend) killLeftoverViewer(client *ssh.Client) {
	session, err := client.NewSession()
	if err != nil {
		slog.Warn("failed to open kill session", "error", err)
		return
	}
	defer session.Close()

	if err := session.Run(killCommand); err != nil {
		slog.Debug("no leftover viewer to kill", "error", err)
	}
}

func (b *Backend) streamFrame(client *ssh.Client, data []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open display session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	if err := session.Start(displayCommand); err != nil {
		return fmt.Errorf("failed to start display command: %w", err)
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to stream frame: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	if err := session.Wait(); err != nil {
		return fmt.Errorf("display command failed: %w", err)
	}
	return nil
}
