package relay

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sshpod/sshpod/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closableBuffer records writes and whether the relay half-closed it.
type closableBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *closableBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *closableBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *closableBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *closableBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func pumpWithin(t *testing.T, local, remote Endpoint, d time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- Pump(logger.Discard, local, remote) }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatal("relay did not terminate in time")
		return nil
	}
}

func TestPumpRoundTrip(t *testing.T) {
	t.Parallel()

	request := make([]byte, 256*1024)
	_, err := rand.Read(request)
	require.NoError(t, err)
	response := []byte("SSH-2.0-daemon says goodbye\r\n")

	toDaemonR, toDaemonW := io.Pipe()
	fromDaemonR, fromDaemonW := io.Pipe()
	clientIn := &closableBuffer{}
	daemonIn := &closableBuffer{}

	// The daemon drains its stdin to EOF, replies, and hangs up. The EOF
	// it sees must be the half-close propagated from the client side.
	go func() {
		received, _ := io.ReadAll(toDaemonR)
		daemonIn.mu.Lock()
		daemonIn.buf.Write(received)
		daemonIn.mu.Unlock()
		fromDaemonW.Write(response)
		fromDaemonW.Close()
	}()

	local := Endpoint{Reader: bytes.NewReader(request), Writer: clientIn}
	remote := Endpoint{Reader: fromDaemonR, Writer: toDaemonW}

	err = pumpWithin(t, local, remote, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, request, daemonIn.Bytes(), "upstream bytes must arrive unmodified")
	assert.Equal(t, response, clientIn.Bytes(), "downstream bytes must arrive unmodified")
	assert.True(t, clientIn.Closed(), "daemon EOF must half-close the client writer")
}

func TestPumpHalfCloseUnblocksDaemonRead(t *testing.T) {
	t.Parallel()

	toDaemonR, toDaemonW := io.Pipe()
	fromDaemonR, fromDaemonW := io.Pipe()

	// Daemon speaks only after its stdin reaches EOF. Without half-close
	// propagation this deadlocks.
	go func() {
		io.Copy(io.Discard, toDaemonR)
		fromDaemonW.Close()
	}()

	local := Endpoint{Reader: strings.NewReader("quit"), Writer: &closableBuffer{}}
	remote := Endpoint{Reader: fromDaemonR, Writer: toDaemonW}

	err := pumpWithin(t, local, remote, 2*time.Second)
	require.NoError(t, err)
}

type brokenReader struct{ err error }

func (r brokenReader) Read([]byte) (int, error) { return 0, r.err }

type brokenWriter struct{ err error }

func (w brokenWriter) Write(p []byte) (int, error) { return 0, w.err }

func TestPumpAttributesDirection(t *testing.T) {
	t.Parallel()

	cause := errors.New("stream reset")

	t.Run("upstream write failure", func(t *testing.T) {
		t.Parallel()
		local := Endpoint{Reader: strings.NewReader("payload"), Writer: &closableBuffer{}}
		remote := Endpoint{Reader: strings.NewReader(""), Writer: brokenWriter{err: cause}}

		err := pumpWithin(t, local, remote, 2*time.Second)
		var rerr *Error
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, Upstream, rerr.Direction)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("downstream read failure", func(t *testing.T) {
		t.Parallel()
		local := Endpoint{Reader: strings.NewReader(""), Writer: &closableBuffer{}}
		remote := Endpoint{Reader: brokenReader{err: cause}, Writer: &closableBuffer{}}

		err := pumpWithin(t, local, remote, 2*time.Second)
		var rerr *Error
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, Downstream, rerr.Direction)
		assert.ErrorIs(t, err, cause)
	})
}
