package clicommand

import (
	"errors"

	"github.com/sshpod/sshpod/broker"
	"github.com/sshpod/sshpod/kubeexec"
	"github.com/sshpod/sshpod/probe"
	"github.com/sshpod/sshpod/provision"
	"github.com/sshpod/sshpod/relay"
	"github.com/sshpod/sshpod/target"
)

// Exit codes let scripts and the calling SSH client distinguish failure
// classes without parsing stderr.
const (
	ExitCodeGeneric              = 1
	ExitCodeMalformedTarget      = 2
	ExitCodeUnsupportedArch      = 3
	ExitCodeNoReadyPod           = 4
	ExitCodeProvisioningFailed   = 5
	ExitCodeTransportUnavailable = 6
	ExitCodeDaemonCrashed        = 7
	ExitCodeRelayBroken          = 8
)

// ExitError is used to signal to main.go that the command should exit with
// the exit code in `code`.
type ExitError struct {
	code  int
	inner error
}

func NewExitError(code int, err error) *ExitError {
	return &ExitError{code: code, inner: err}
}

func (e *ExitError) Code() int {
	return e.code
}

func (e *ExitError) Error() string {
	return e.inner.Error()
}

func (e *ExitError) Unwrap() error {
	return e.inner
}

func (e *ExitError) Is(target error) bool {
	terr, ok := target.(*ExitError)
	return ok && e.code == terr.code && errors.Is(e.inner, terr.inner)
}

// exitCodeFor classifies an error from the proxy pipeline.
func exitCodeFor(err error) int {
	var (
		malformed   *target.MalformedError
		unsupported *probe.UnsupportedArchError
		noReady     *kubeexec.NoReadyPodError
		provErr     *provision.Error
		transport   *broker.TransportUnavailableError
		execErr     *kubeexec.TransportError
		crashed     *broker.DaemonCrashedError
		broken      *relay.Error
	)
	switch {
	case errors.As(err, &malformed):
		return ExitCodeMalformedTarget
	case errors.As(err, &unsupported):
		return ExitCodeUnsupportedArch
	case errors.As(err, &noReady):
		return ExitCodeNoReadyPod
	case errors.As(err, &transport), errors.As(err, &execErr):
		// An unreachable cluster is a transport failure wherever in the
		// pipeline it strikes, including mid-probe or mid-provision.
		return ExitCodeTransportUnavailable
	case errors.As(err, &provErr):
		return ExitCodeProvisioningFailed
	case errors.As(err, &crashed):
		return ExitCodeDaemonCrashed
	case errors.As(err, &broken):
		return ExitCodeRelayBroken
	}
	return ExitCodeGeneric
}
