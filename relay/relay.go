// Package relay moves SSH wire bytes between the local client and the
// remote daemon without interpreting a single one of them.
package relay

import (
	"fmt"
	"io"

	"github.com/sshpod/sshpod/logger"
)

// Direction names the copy loop an error came from, so a broken session
// can be attributed to the side that failed.
type Direction string

const (
	// Upstream carries client bytes to the daemon.
	Upstream Direction = "client->daemon"
	// Downstream carries daemon bytes back to the client.
	Downstream Direction = "daemon->client"
)

// Error is a mid-session transport failure in one direction.
type Error struct {
	Direction Direction
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay broken (%s): %v", e.Direction, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Endpoint is one side of the relay. Writer may additionally implement
// io.Closer; if it does, the relay half-closes it when the opposite
// direction reaches EOF, so an SSH disconnect sequence drains fully in
// both directions.
type Endpoint struct {
	Reader io.Reader
	Writer io.Writer
}

func (e Endpoint) closeWriter() {
	if c, ok := e.Writer.(io.Closer); ok {
		_ = c.Close()
	}
}

type result struct {
	direction Direction
	bytes     int64
	err       error
}

// Pump shuttles bytes between local and remote until both directions have
// reached EOF. EOF on one side half-closes the other side's writer and the
// remaining direction keeps draining; this preserves the tail of the SSH
// teardown handshake. A read or write failure is returned as an *Error
// naming the direction that broke.
func Pump(l logger.Logger, local, remote Endpoint) error {
	results := make(chan result, 2)

	copyLoop := func(direction Direction, dst, src Endpoint) {
		n, err := io.Copy(dst.Writer, src.Reader)
		if err == nil {
			// Clean EOF from src: propagate the half-close.
			dst.closeWriter()
		}
		results <- result{direction: direction, bytes: n, err: err}
	}

	go copyLoop(Upstream, remote, local)
	go copyLoop(Downstream, local, remote)

	for i := 0; i < 2; i++ {
		res := <-results
		l.Debug("relay %s finished after %d bytes (err: %v)", res.direction, res.bytes, res.err)
		if res.err != nil {
			// Tear down both writers and bail out. The surviving loop
			// may be parked in a read that only process exit releases;
			// waiting for it would wedge the teardown.
			local.closeWriter()
			remote.closeWriter()
			return &Error{Direction: res.direction, Err: res.err}
		}
	}
	return nil
}
