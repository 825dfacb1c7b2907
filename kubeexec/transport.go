// Package kubeexec provides the cluster transport sshpod runs on: a way to
// look up pods and to attach a bidirectional byte stream to a command
// executing inside a container.
//
// Everything above this package depends only on the Transport interface, so
// the bootstrap and relay logic is tested against the in-memory Fake rather
// than a live cluster.
package kubeexec

import (
	"context"
	"io"

	"github.com/sshpod/sshpod/target"
)

// ExecSpec describes a single remote command invocation.
type ExecSpec struct {
	Namespace string
	Pod       string
	Container string
	Command   []string

	// Stdin attaches a writable stream to the remote process's stdin.
	Stdin bool

	// TTY allocates a remote pseudo-terminal. The bootstrap path never
	// sets this: the relayed payload is the binary SSH wire protocol and
	// must not pass through a line discipline.
	TTY bool
}

// Session is one live exec invocation. The stream pair stays open until the
// remote process exits or Close tears the transport down.
type Session interface {
	// Stdin returns the writable side of the remote process's stdin, or
	// nil if the session was opened without stdin attached. Closing it
	// half-closes the stream; the remote process sees EOF.
	Stdin() io.WriteCloser

	// Stdout returns the readable side of the remote process's stdout.
	// It reaches EOF when the remote process exits.
	Stdout() io.Reader

	// Wait blocks until the remote process has exited and reports its
	// outcome; nil means exit status zero. Wait may be called after
	// Stdout has reached EOF to learn why.
	Wait() error

	// Close tears down the underlying transport. It must be called on
	// every exit path so no remote process is leaked.
	Close() error
}

// PodInfo is the subset of pod state the bootstrap needs.
type PodInfo struct {
	Name       string
	Namespace  string
	UID        string
	Containers []string
	Running    bool
	Ready      bool
}

// TransportError means the exec connection could not be established: the
// cluster was unreachable or the apiserver refused the stream upgrade. The
// remote command never ran, so the attempt is safe to retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "exec transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Transport is the three-operation cluster capability sshpod needs. The
// real implementation is Client (client-go); tests use Fake.
type Transport interface {
	// OpenExec starts command execution inside a container and returns
	// the live session. Establishing the connection is synchronous: a
	// cluster that cannot be reached fails here, as a *TransportError,
	// while the remote command's own outcome is reported by Session.Wait.
	OpenExec(ctx context.Context, spec ExecSpec) (Session, error)

	// Pod fetches a single pod by name.
	Pod(ctx context.Context, namespace, name string) (*PodInfo, error)

	// BackingPods lists the pods backing a Deployment or Job, resolved
	// through the resource's label selector.
	BackingPods(ctx context.Context, namespace string, kind target.Kind, name string) ([]PodInfo, error)

	// DefaultNamespace is the namespace the kubeconfig context selects
	// when the hostname carries no namespace-- label.
	DefaultNamespace() string
}
