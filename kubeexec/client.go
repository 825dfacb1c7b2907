package kubeexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sshpod/sshpod/logger"
	"github.com/sshpod/sshpod/target"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/transport/spdy"
)

// Client is the real Transport, backed by client-go. Exec sessions use the
// pod exec subresource over SPDY, which gives separate stdin/stdout streams
// with no TTY in between.
type Client struct {
	logger     logger.Logger
	restConfig *rest.Config
	clientset  kubernetes.Interface
	namespace  string
}

// NewClient loads the kubeconfig, switched to the given context, and returns
// a Transport talking to that cluster.
func NewClient(l logger.Logger, kubeContext string) (*Client, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

	restConfig, err := loader.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig for context %q: %w", kubeContext, err)
	}

	namespace, _, err := loader.Namespace()
	if err != nil {
		return nil, fmt.Errorf("resolving default namespace for context %q: %w", kubeContext, err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &Client{
		logger:     l,
		restConfig: restConfig,
		clientset:  clientset,
		namespace:  namespace,
	}, nil
}

func (c *Client) DefaultNamespace() string {
	return c.namespace
}

func (c *Client) Pod(ctx context.Context, namespace, name string) (*PodInfo, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting pod %s/%s: %w", namespace, name, err)
	}
	info := podInfo(pod)
	return &info, nil
}

func (c *Client) BackingPods(ctx context.Context, namespace string, kind target.Kind, name string) ([]PodInfo, error) {
	var selector *metav1.LabelSelector
	var fallback map[string]string

	switch kind {
	case target.KindDeployment:
		dep, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("getting deployment %s/%s: %w", namespace, name, err)
		}
		selector = dep.Spec.Selector

	case target.KindJob:
		job, err := c.clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("getting job %s/%s: %w", namespace, name, err)
		}
		selector = job.Spec.Selector
		if selector == nil || (len(selector.MatchLabels) == 0 && len(selector.MatchExpressions) == 0) {
			fallback = job.Spec.Template.Labels
			if len(fallback) == 0 {
				fallback = map[string]string{"job-name": name}
			}
		}

	default:
		return nil, fmt.Errorf("resource kind %q has no backing pods", kind)
	}

	var labelSelector string
	if fallback != nil {
		labelSelector = metav1.FormatLabelSelector(&metav1.LabelSelector{MatchLabels: fallback})
	} else {
		sel, err := metav1.LabelSelectorAsSelector(selector)
		if err != nil {
			return nil, fmt.Errorf("converting %s %s/%s selector: %w", kind, namespace, name, err)
		}
		labelSelector = sel.String()
	}

	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, fmt.Errorf("listing pods for %s %s/%s: %w", kind, namespace, name, err)
	}

	infos := make([]PodInfo, 0, len(list.Items))
	for i := range list.Items {
		infos = append(infos, podInfo(&list.Items[i]))
	}
	return infos, nil
}

func (c *Client) OpenExec(ctx context.Context, spec ExecSpec) (Session, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(spec.Namespace).
		Name(spec.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: spec.Container,
			Command:   spec.Command,
			Stdin:     spec.Stdin,
			Stdout:    true,
			Stderr:    true,
			TTY:       spec.TTY,
		}, scheme.ParameterCodec)

	rt, upgrader, err := spdy.RoundTripperFor(c.restConfig)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("creating exec transport for pod %s/%s: %w", spec.Namespace, spec.Pod, err)}
	}

	established := make(chan struct{})
	notifier := &upgradeNotifier{next: rt, established: established}
	executor, err := remotecommand.NewSPDYExecutorForTransports(notifier, upgrader, "POST", req.URL())
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("creating exec transport for pod %s/%s: %w", spec.Namespace, spec.Pod, err)}
	}

	streamCtx, cancel := context.WithCancel(ctx)

	sess := &execSession{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var stdinR *io.PipeReader
	if spec.Stdin {
		stdinR, sess.stdin = io.Pipe()
	}
	stdoutR, stdoutW := io.Pipe()
	sess.stdout = stdoutR

	opts := remotecommand.StreamOptions{
		Stdout: stdoutW,
		Stderr: &sess.stderr,
		Tty:    spec.TTY,
	}
	if stdinR != nil {
		opts.Stdin = stdinR
	}

	c.logger.Debug("exec %s/%s[%s]: %s", spec.Namespace, spec.Pod, spec.Container, strings.Join(spec.Command, " "))

	go func() {
		err := executor.StreamWithContext(streamCtx, opts)
		if err != nil {
			if tail := sess.stderr.Tail(); tail != "" {
				err = fmt.Errorf("%w (remote stderr: %s)", err, tail)
			}
		}
		sess.err = err
		stdoutW.CloseWithError(io.EOF)
		if stdinR != nil {
			stdinR.Close()
		}
		close(sess.done)
	}()

	// Establishing the connection is synchronous: a failure before the
	// upgrade handshake completes (unreachable cluster, auth rejection)
	// returns from here as a TransportError, where the caller's retry and
	// failure classification can see it. Everything after the handshake
	// belongs to the session.
	select {
	case <-established:
	case <-sess.done:
		select {
		case <-established:
			// The remote command ran to completion before we looked;
			// its outcome is reported through Wait as usual.
		default:
			sess.Close()
			err := sess.err
			if err == nil {
				err = fmt.Errorf("stream closed before the connection was established")
			}
			return nil, &TransportError{Err: fmt.Errorf("connecting to pod %s/%s: %w", spec.Namespace, spec.Pod, err)}
		}
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}

	return sess, nil
}

// upgradeNotifier closes established once the exec upgrade request has been
// answered with 101 Switching Protocols. Anything that goes wrong before
// that point is a transport failure, not a remote command failure.
type upgradeNotifier struct {
	next        http.RoundTripper
	established chan struct{}
	once        sync.Once
}

func (n *upgradeNotifier) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := n.next.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusSwitchingProtocols {
		n.once.Do(func() { close(n.established) })
	}
	return resp, err
}

type execSession struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	stderr tailBuffer
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *execSession) Stdin() io.WriteCloser {
	if s.stdin == nil {
		return nil
	}
	return s.stdin
}

func (s *execSession) Stdout() io.Reader {
	return s.stdout
}

func (s *execSession) Wait() error {
	<-s.done
	return s.err
}

func (s *execSession) Close() error {
	s.cancel()
	if s.stdin != nil {
		s.stdin.Close()
	}
	s.stdout.Close()
	return nil
}

// tailBuffer keeps the last chunk of remote stderr for error reporting
// without buffering an unbounded amount.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const tailLimit = 4 << 10

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if over := b.buf.Len() + len(p) - tailLimit; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *tailBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

func podInfo(pod *corev1.Pod) PodInfo {
	info := PodInfo{
		Name:      pod.Name,
		Namespace: pod.Namespace,
		UID:       string(pod.UID),
		Running:   pod.Status.Phase == corev1.PodRunning,
	}
	for _, c := range pod.Spec.Containers {
		info.Containers = append(info.Containers, c.Name)
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			info.Ready = info.Running
		}
	}
	return info
}
