// Package broker owns the remote daemon process for one connection and
// turns it into a raw SSH byte stream.
//
// Two attach modes exist. Inetd-style, the exec session *is* the daemon
// invocation and its stdio is the SSH stream. Listener-style, the daemon
// listens on a fixed local port inside the container and a second exec
// session pipes the bundle's relay utility to it. The relay engine only
// ever sees a stream pair; the mode distinction ends here.
package broker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/buildkite/roko"

	"github.com/sshpod/sshpod/kubeexec"
	"github.com/sshpod/sshpod/logger"
)

type Mode string

const (
	ModeInetd    Mode = "inetd"
	ModeListener Mode = "listener"
)

// ParseMode validates a --daemon-mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInetd, ModeListener:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid daemon mode %q (want inetd or listener)", s)
}

const (
	defaultConnectAttempts = 4
	defaultConnectBackoff  = 500 * time.Millisecond
	defaultStartupGrace    = 250 * time.Millisecond
	defaultListenerPort    = 10022
)

type Config struct {
	Mode      Mode
	Namespace string
	Pod       string
	Container string
	Base      string

	// Port is the daemon's in-container listen port (listener mode).
	Port int

	// ConnectAttempts and ConnectBackoff bound the retry loop around
	// exec transport creation. Nothing else is retried.
	ConnectAttempts int
	ConnectBackoff  time.Duration

	// StartupGrace is how long a fresh daemon session is watched for an
	// immediate exit before the stream is handed to the relay.
	StartupGrace time.Duration
}

// TransportUnavailableError means the exec transport could not be created
// after exhausting the bounded retry budget.
type TransportUnavailableError struct {
	Attempts int
	Err      error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("exec transport unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportUnavailableError) Unwrap() error { return e.Err }

// DaemonCrashedError means the daemon process exited right after starting.
// This is fatal for the connection; the broker never re-provisions behind
// the relay's back.
type DaemonCrashedError struct {
	Err error
}

func (e *DaemonCrashedError) Error() string {
	if e.Err == nil {
		return "daemon exited immediately after start"
	}
	return fmt.Sprintf("daemon exited immediately after start: %v", e.Err)
}

func (e *DaemonCrashedError) Unwrap() error { return e.Err }

// Conn is the stream pair carrying the SSH wire protocol. By the time Open
// returns one, all bootstrap framing has concluded; every byte on it
// belongs to the foreign protocol and passes through untouched.
type Conn struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	session kubeexec.Session
}

func (c *Conn) Wait() error  { return c.session.Wait() }
func (c *Conn) Close() error { return c.session.Close() }

type Broker struct {
	logger    logger.Logger
	transport kubeexec.Transport
	conf      Config
}

func New(l logger.Logger, tr kubeexec.Transport, conf Config) *Broker {
	if conf.ConnectAttempts <= 0 {
		conf.ConnectAttempts = defaultConnectAttempts
	}
	if conf.ConnectBackoff <= 0 {
		conf.ConnectBackoff = defaultConnectBackoff
	}
	if conf.StartupGrace <= 0 {
		conf.StartupGrace = defaultStartupGrace
	}
	if conf.Port <= 0 {
		conf.Port = defaultListenerPort
	}
	if conf.Mode == "" {
		conf.Mode = ModeInetd
	}
	return &Broker{logger: l, transport: tr, conf: conf}
}

const inetdCommand = `exec "$1/bundle/sshd" -i -e -f "$1/sshd_config"`

const relayCommand = `exec "$1/bundle/relay" 127.0.0.1 "$2"`

// startListenerScript brings up the listening daemon if the pid file does
// not point at a live process. The listen address is appended to the base
// config the provisioner wrote.
const startListenerScript = `set -eu
base="$1"; port="$2"
if [ -f "$base/sshd.pid" ] && kill -0 "$(cat "$base/sshd.pid")" 2>/dev/null; then
  exit 0
fi
cp "$base/sshd_config" "$base/sshd_config.listen"
printf 'ListenAddress 127.0.0.1\nPort %s\n' "$port" >> "$base/sshd_config.listen"
"$base/bundle/sshd" -f "$base/sshd_config.listen" -E "$base/sshd.log" </dev/null >/dev/null 2>&1
i=0
while [ $i -lt 50 ]; do
  if [ -f "$base/sshd.pid" ] && kill -0 "$(cat "$base/sshd.pid")" 2>/dev/null; then
    exit 0
  fi
  i=$((i+1))
  sleep 0.1
done
echo "sshd did not start" >&2
exit 1
`

// Open attaches to the daemon and returns the SSH stream pair.
func (b *Broker) Open(ctx context.Context) (*Conn, error) {
	if b.conf.Mode == ModeListener {
		if err := b.startListener(ctx); err != nil {
			return nil, err
		}
	}

	spec := kubeexec.ExecSpec{
		Namespace: b.conf.Namespace,
		Pod:       b.conf.Pod,
		Container: b.conf.Container,
		Stdin:     true,
	}
	switch b.conf.Mode {
	case ModeListener:
		spec.Command = []string{"sh", "-c", relayCommand, "sshpod-relay", b.conf.Base, strconv.Itoa(b.conf.Port)}
	default:
		spec.Command = []string{"sh", "-c", inetdCommand, "sshpod-daemon", b.conf.Base}
	}

	sess, err := b.openWithRetry(ctx, spec)
	if err != nil {
		return nil, err
	}

	// A daemon that dies within the grace window never spoke SSH; report
	// it as a crash instead of letting the relay see an instant EOF.
	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()

	select {
	case err := <-waitErr:
		sess.Close()
		return nil, &DaemonCrashedError{Err: err}
	case <-time.After(b.conf.StartupGrace):
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}

	b.logger.Debug("daemon attached (%s mode) in %s/%s[%s]", b.conf.Mode, b.conf.Namespace, b.conf.Pod, b.conf.Container)
	return &Conn{Stdin: sess.Stdin(), Stdout: sess.Stdout(), session: sess}, nil
}

func (b *Broker) startListener(ctx context.Context) error {
	spec := kubeexec.ExecSpec{
		Namespace: b.conf.Namespace,
		Pod:       b.conf.Pod,
		Container: b.conf.Container,
		Command:   []string{"sh", "-c", startListenerScript, "sshpod-start", b.conf.Base, strconv.Itoa(b.conf.Port)},
	}

	sess, err := b.openWithRetry(ctx, spec)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := io.Copy(io.Discard, sess.Stdout()); err != nil {
		return &DaemonCrashedError{Err: err}
	}
	if err := sess.Wait(); err != nil {
		return &DaemonCrashedError{Err: err}
	}
	return nil
}

func (b *Broker) openWithRetry(ctx context.Context, spec kubeexec.ExecSpec) (kubeexec.Session, error) {
	r := roko.NewRetrier(
		roko.WithMaxAttempts(b.conf.ConnectAttempts),
		roko.WithStrategy(roko.Exponential(b.conf.ConnectBackoff, 0)),
	)
	sess, err := roko.DoFunc(ctx, r, func(r *roko.Retrier) (kubeexec.Session, error) {
		sess, err := b.transport.OpenExec(ctx, spec)
		if err != nil {
			b.logger.Warn("exec transport attempt failed: %v (%s)", err, r)
		}
		return sess, err
	})
	if err != nil {
		return nil, &TransportUnavailableError{Attempts: b.conf.ConnectAttempts, Err: err}
	}
	return sess, nil
}
