package clicommand

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/urfave/cli"

	"github.com/sshpod/sshpod/broker"
	"github.com/sshpod/sshpod/identity"
	"github.com/sshpod/sshpod/internal/stdin"
	"github.com/sshpod/sshpod/kubeexec"
	"github.com/sshpod/sshpod/logger"
	"github.com/sshpod/sshpod/probe"
	"github.com/sshpod/sshpod/provision"
	"github.com/sshpod/sshpod/relay"
	"github.com/sshpod/sshpod/target"
)

const proxyHelpDescription = `Usage:

    sshpod proxy --host <hostname> [options...]

Description:

Connects an SSH client to a shell inside a Kubernetes container. This command
is meant to run as an SSH ProxyCommand: it resolves the encoded hostname to a
pod, provisions a minimal SSH daemon into the container if one isn't already
there, and then relays the SSH protocol between its own stdin/stdout and the
daemon.

The hostname encodes the connection target as "--"-separated labels:

    pod--web-1.namespace--prod.context--staging.sshpod
    deployment--api.context--dev.sshpod
    web-1.context--dev.sshpod             (bare name means a pod)

All diagnostics go to stderr; stdout carries the SSH stream.

Example:

    $ ssh -o ProxyCommand='sshpod proxy --host %h --user %r --port %p' \
          pod--web-1.context--dev.sshpod`

type ProxyConfig struct {
	GlobalConfig

	Host string `cli:"host" validate:"required"`
	User string `cli:"user"`
	Port int    `cli:"port"`

	DaemonMode   string `cli:"daemon-mode"`
	ListenerPort int    `cli:"listener-port"`
	BundleDir    string `cli:"bundle-dir" normalize:"filepath"`
	IdentityDir  string `cli:"identity-dir" normalize:"filepath"`

	ProbeTimeout     time.Duration `cli:"probe-timeout"`
	ProvisionTimeout time.Duration `cli:"provision-timeout"`
	ConnectAttempts  int           `cli:"connect-attempts"`
}

var ProxyCommand = cli.Command{
	Name:        "proxy",
	Usage:       "Relay an SSH connection into a Kubernetes container (ProxyCommand mode)",
	Description: proxyHelpDescription,
	Flags: slices.Concat(globalFlags(), []cli.Flag{
		cli.StringFlag{
			Name:   "host",
			Usage:  "The encoded hostname the SSH client connected to (%h)",
			EnvVar: "SSHPOD_HOST",
		},
		cli.StringFlag{
			Name:   "user",
			Usage:  "The SSH login user (%r)",
			EnvVar: "SSHPOD_USER",
		},
		cli.IntFlag{
			Name:   "port",
			Value:  22,
			Usage:  "The SSH port (%p); a non-default port selects the in-container daemon port",
			EnvVar: "SSHPOD_PORT",
		},
		cli.StringFlag{
			Name:   "daemon-mode",
			Value:  string(broker.ModeInetd),
			Usage:  "How to attach to the daemon, either inetd or listener",
			EnvVar: "SSHPOD_DAEMON_MODE",
		},
		cli.IntFlag{
			Name:   "listener-port",
			Usage:  "In-container port for the daemon in listener mode",
			EnvVar: "SSHPOD_LISTENER_PORT",
		},
		cli.StringFlag{
			Name:   "bundle-dir",
			Usage:  "Directory containing the sshd bundle archives",
			EnvVar: "SSHPOD_BUNDLE_DIR",
		},
		cli.StringFlag{
			Name:   "identity-dir",
			Usage:  "Directory holding the client keypair",
			EnvVar: "SSHPOD_IDENTITY_DIR",
		},
		cli.DurationFlag{
			Name:   "probe-timeout",
			Value:  30 * time.Second,
			Usage:  "Timeout for the capability probe",
			EnvVar: "SSHPOD_PROBE_TIMEOUT",
		},
		cli.DurationFlag{
			Name:   "provision-timeout",
			Value:  2 * time.Minute,
			Usage:  "Timeout for installing the daemon bundle",
			EnvVar: "SSHPOD_PROVISION_TIMEOUT",
		},
		cli.IntFlag{
			Name:   "connect-attempts",
			Value:  4,
			Usage:  "Attempts at creating the exec transport before giving up",
			EnvVar: "SSHPOD_CONNECT_ATTEMPTS",
		},
	}),
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		ctx, cfg, l, _, done := setupLoggerAndConfig[ProxyConfig](ctx, c)
		defer done()

		if !stdin.IsPipe() {
			l.Warn("stdin is a terminal; this command is meant to run as an SSH ProxyCommand (see `sshpod configure`)")
		}

		t, err := target.Parse(cfg.Host, cfg.User, cfg.Port)
		if err != nil {
			return NewExitError(exitCodeFor(err), err)
		}

		tr, err := kubeexec.NewClient(l, t.Context)
		if err != nil {
			err = &broker.TransportUnavailableError{Attempts: 1, Err: err}
			return NewExitError(exitCodeFor(err), err)
		}

		dir := cfg.IdentityDir
		if dir == "" {
			if dir, err = identity.DefaultDir(); err != nil {
				return NewExitError(ExitCodeGeneric, err)
			}
		}
		id, err := identity.Ensure(l, dir)
		if err != nil {
			return NewExitError(ExitCodeGeneric, err)
		}

		local := relay.Endpoint{Reader: os.Stdin, Writer: os.Stdout}
		src := provision.FileSource{Dir: cfg.BundleDir}
		if err := runProxy(ctx, cfg, l, t, tr, src, id.AuthorizedKey, local); err != nil {
			l.Error("%v", err)
			return NewExitError(exitCodeFor(err), err)
		}
		return nil
	},
}

// runProxy is the connection pipeline: resolve, probe, provision, attach,
// relay. It is separated from the cli.Command so tests can drive it against
// an in-memory transport.
func runProxy(ctx context.Context, cfg ProxyConfig, l logger.Logger, t *target.Target, tr kubeexec.Transport, src provision.Source, authorizedKey string, local relay.Endpoint) error {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 2 * time.Minute
	}
	if cfg.DaemonMode == "" {
		cfg.DaemonMode = string(broker.ModeInetd)
	}

	pod, container, err := kubeexec.ResolvePod(ctx, tr, t)
	if err != nil {
		return err
	}
	if !pod.Running {
		return &kubeexec.NoReadyPodError{Kind: t.Kind, Name: t.Name, Namespace: pod.Namespace}
	}
	l.Debug("resolved %s to pod %s/%s container %s", cfg.Host, pod.Namespace, pod.Name, container)

	base := remoteBase(pod, container)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	snap, err := probe.Inspect(probeCtx, tr, pod.Namespace, pod.Name, container, base, provision.BundleVersion())
	cancel()
	if err != nil {
		return err
	}
	l.Debug("capability snapshot: arch=%s compression=%s installed=%t running=%t remote=%s(%s)",
		snap.Arch, snap.Compression, snap.DaemonInstalled, snap.DaemonRunning, snap.RemoteUser, snap.RemoteUID)

	loginUser, err := resolveLoginUser(l, t.User, snap)
	if err != nil {
		return err
	}

	prov := provision.New(l, tr, src)
	provisionCtx, cancel := context.WithTimeout(ctx, cfg.ProvisionTimeout)
	err = prov.Ensure(provisionCtx, pod, container, base, snap, authorizedKey, loginUser)
	cancel()
	if err != nil {
		return err
	}

	mode, err := broker.ParseMode(cfg.DaemonMode)
	if err != nil {
		return err
	}
	b := broker.New(l, tr, broker.Config{
		Mode:            mode,
		Namespace:       pod.Namespace,
		Pod:             pod.Name,
		Container:       container,
		Base:            base,
		Port:            listenerPort(cfg, t),
		ConnectAttempts: cfg.ConnectAttempts,
	})

	conn, err := b.Open(ctx)
	if err != nil {
		// A stale install can leave a daemon that starts and dies at
		// once. Rebuild it from scratch, once, before giving up.
		var crashed *broker.DaemonCrashedError
		if !snap.DaemonInstalled || !errors.As(err, &crashed) {
			return err
		}
		l.Warn("daemon from existing install crashed, re-provisioning: %v", err)

		fresh := *snap
		fresh.DaemonInstalled = false
		fresh.DaemonRunning = false
		provisionCtx, cancel := context.WithTimeout(ctx, cfg.ProvisionTimeout)
		err = prov.Ensure(provisionCtx, pod, container, base, &fresh, authorizedKey, loginUser)
		cancel()
		if err != nil {
			return err
		}
		if conn, err = b.Open(ctx); err != nil {
			return err
		}
	}
	defer conn.Close()

	l.Info("relaying SSH to %s/%s[%s]", pod.Namespace, pod.Name, container)
	if err := relay.Pump(l, local, relay.Endpoint{Reader: conn.Stdout, Writer: conn.Stdin}); err != nil {
		return err
	}

	if err := conn.Wait(); err != nil {
		l.Debug("daemon session ended: %v", err)
	}
	return nil
}

// remoteBase is the per-pod, per-container scratch area for everything
// sshpod installs. Keying by pod UID means a recreated pod of the same name
// never inherits stale state.
func remoteBase(pod *kubeexec.PodInfo, container string) string {
	return fmt.Sprintf("/tmp/sshpod/%s/%s", pod.UID, container)
}

// resolveLoginUser decides which user the daemon serves. A root exec user
// can hand the session to any login user; a non-root exec user can only be
// itself.
func resolveLoginUser(l logger.Logger, requested string, snap *probe.Snapshot) (string, error) {
	if requested == "" || requested == snap.RemoteUser {
		return "", nil
	}
	if snap.RemoteUID != "0" {
		return "", fmt.Errorf("cannot log in as %q: container processes run as %s (uid %s) and sshpod cannot switch users without root",
			requested, snap.RemoteUser, snap.RemoteUID)
	}
	l.Debug("daemon will serve login user %s", requested)
	return requested, nil
}

// listenerPort picks the in-container daemon port: an explicit flag wins,
// then a non-default SSH port from the target, then the broker default.
func listenerPort(cfg ProxyConfig, t *target.Target) int {
	if cfg.ListenerPort != 0 {
		return cfg.ListenerPort
	}
	if t.Port != 0 && t.Port != 22 {
		return t.Port
	}
	return 0
}
