package sshfb

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"image"
	"image/png"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/mkohda/go-weatherpanel/weatherpanel/display"
)

// fakeDisplayHost is an in-process SSH server standing in for the Raspberry
// Pi: it accepts sessions, records every exec command and the bytes streamed
// to the display command's stdin.
type fakeDisplayHost struct {
	listener net.Listener

	mu             sync.Mutex
	conns          int
	commands       []string
	lastBody       []byte
	failNextStream bool
	hangKill       bool
}

func startFakeDisplayHost(t *testing.T) *fakeDisplayHost {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	s := &fakeDisplayHost{listener: listener}
	go s.acceptLoop(cfg)
	return s
}

func (s *fakeDisplayHost) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *fakeDisplayHost) acceptLoop(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.handleConn(conn, cfg)
	}
}

func (s *fakeDisplayHost) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)
				go s.runExec(ch, payload.Command)
			}
		}()
	}
}

func (s *fakeDisplayHost) runExec(ch ssh.Channel, cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	hang := s.hangKill && cmd == killCommand
	fail := false
	if cmd == displayCommand && s.failNextStream {
		fail = true
		s.failNextStream = false
	}
	s.mu.Unlock()

	body, _ := io.ReadAll(ch)

	if hang {
		// Never report an exit status: the client stays blocked until its
		// side of the connection goes away.
		return
	}

	if cmd == displayCommand {
		s.mu.Lock()
		s.lastBody = body
		s.mu.Unlock()
	}

	status := uint32(0)
	if fail {
		status = 1
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	ch.Close()
}

func (s *fakeDisplayHost) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *fakeDisplayHost) commandLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeDisplayHost) streamedBody() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.lastBody...)
}

func (s *fakeDisplayHost) setFailNextStream() {
	s.mu.Lock()
	s.failNextStream = true
	s.mu.Unlock()
}

func (s *fakeDisplayHost) setHangKill(v bool) {
	s.mu.Lock()
	s.hangKill = v
	s.mu.Unlock()
}

func writeClientKey(t *testing.T) string {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func newTestBackend(t *testing.T, srv *fakeDisplayHost) *Backend {
	t.Helper()
	b := New("127.0.0.1", srv.port(), "tester", writeClientKey(t))
	require.NoError(t, b.Init(display.Config{Width: 8, Height: 8}))
	t.Cleanup(func() { b.Cleanup() })
	return b
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

func TestPush_StreamsFrameToRemoteViewer(t *testing.T) {
	srv := startFakeDisplayHost(t)
	b := newTestBackend(t, srv)

	require.NoError(t, b.Push(context.Background(), testFrame()))

	cmds := srv.commandLog()
	require.Len(t, cmds, 2, "expected kill then display")
	assert.Equal(t, killCommand, cmds[0])
	assert.Equal(t, displayCommand, cmds[1])

	img, err := png.Decode(bytes.NewReader(srv.streamedBody()))
	require.NoError(t, err, "streamed bytes should be a valid PNG")
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
}

func TestPush_ReconnectsAfterFailure(t *testing.T) {
	srv := startFakeDisplayHost(t)
	b := newTestBackend(t, srv)

	srv.setFailNextStream()
	require.Error(t, b.Push(context.Background(), testFrame()))
	assert.Equal(t, 1, srv.connCount())

	require.NoError(t, b.Push(context.Background(), testFrame()),
		"push after a failure should establish a fresh connection")
	assert.Equal(t, 2, srv.connCount())
}

func TestPush_CanceledMidPushFailsAndRecovers(t *testing.T) {
	srv := startFakeDisplayHost(t)
	b := newTestBackend(t, srv)

	// A kill command that never finishes simulates a wedged remote host;
	// cancellation must abort the in-flight push without taking down the
	// backend.
	srv.setHangKill(true)
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	require.Error(t, b.Push(ctx, testFrame()))

	srv.setHangKill(false)
	require.NoError(t, b.Push(context.Background(), testFrame()),
		"backend should reconnect after a canceled push")
	assert.Equal(t, 2, srv.connCount())
}

func TestPush_RejectsMismatchedFrame(t *testing.T) {
	b := New("127.0.0.1", 1, "tester", "missing-key")
	require.NoError(t, b.Init(display.Config{Width: 8, Height: 8}))

	err := b.Push(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))

	require.Error(t, err)
	assert.ErrorContains(t, err, "display expects 8x8")
}

func TestInit_RequiresHost(t *testing.T) {
	b := New("", 22, "tester", "key")
	assert.Error(t, b.Init(display.Config{}))
}
