package kubeexec

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sshpod/sshpod/target"
)

// HandlerFunc emulates the remote side of an exec session. It receives the
// process's stdin and stdout; returning a non-nil error makes Session.Wait
// report it, like a non-zero remote exit.
type HandlerFunc func(spec ExecSpec, stdin io.Reader, stdout io.WriteCloser) error

// Fake is an in-memory Transport for tests. It serves pod lookups from
// fixtures and exec sessions from a HandlerFunc, and counts every session it
// opens so tests can assert on I/O that must (or must not) happen.
type Fake struct {
	Namespace string
	Pods      map[string]PodInfo   // keyed "namespace/name"
	Backing   map[string][]PodInfo // keyed "kind/namespace/name"
	Handler   HandlerFunc

	// OpenErr, when set, makes OpenExec fail. Used to exercise the
	// transport retry path.
	OpenErr error

	mu    sync.Mutex
	specs []ExecSpec
}

func (f *Fake) DefaultNamespace() string {
	if f.Namespace == "" {
		return "default"
	}
	return f.Namespace
}

func (f *Fake) Pod(ctx context.Context, namespace, name string) (*PodInfo, error) {
	pod, ok := f.Pods[namespace+"/"+name]
	if !ok {
		return nil, fmt.Errorf("pod %s/%s not found", namespace, name)
	}
	return &pod, nil
}

func (f *Fake) BackingPods(ctx context.Context, namespace string, kind target.Kind, name string) ([]PodInfo, error) {
	pods, ok := f.Backing[string(kind)+"/"+namespace+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%s %s/%s not found", kind, namespace, name)
	}
	return pods, nil
}

func (f *Fake) OpenExec(ctx context.Context, spec ExecSpec) (Session, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	if f.Handler == nil {
		return nil, fmt.Errorf("fake transport has no exec handler")
	}

	sess := &fakeSession{done: make(chan struct{})}

	var stdinR io.Reader
	var stdinPipe *io.PipeReader
	if spec.Stdin {
		stdinPipe, sess.stdin = io.Pipe()
		stdinR = stdinPipe
	}
	stdoutR, stdoutW := io.Pipe()
	sess.stdout = stdoutR

	go func() {
		sess.err = f.Handler(spec, stdinR, stdoutW)
		stdoutW.Close()
		if stdinPipe != nil {
			// Unblock writers if the handler exited without draining.
			stdinPipe.Close()
		}
		close(sess.done)
	}()

	return sess, nil
}

// ExecCount reports how many exec sessions have been opened, including
// failed attempts.
func (f *Fake) ExecCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// Specs returns a copy of every ExecSpec passed to OpenExec, in order.
func (f *Fake) Specs() []ExecSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecSpec(nil), f.specs...)
}

type fakeSession struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	done   chan struct{}
	err    error
}

func (s *fakeSession) Stdin() io.WriteCloser {
	if s.stdin == nil {
		return nil
	}
	return s.stdin
}

func (s *fakeSession) Stdout() io.Reader { return s.stdout }

func (s *fakeSession) Wait() error {
	<-s.done
	return s.err
}

func (s *fakeSession) Close() error {
	if s.stdin != nil {
		s.stdin.Close()
	}
	s.stdout.Close()
	return nil
}
