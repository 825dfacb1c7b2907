// Package provision installs the on-demand SSH daemon bundle into a
// container's scratch area and prepares its authentication material.
//
// The transfer rides the stdin of an exec session whose remote command pipes
// straight into the decompression and extraction pipeline. Extraction lands
// in an attempt-scoped temporary directory that is renamed into place only
// on full success, so a torn upload is never mistaken for an install.
package provision

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/sshpod/sshpod/kubeexec"
	"github.com/sshpod/sshpod/logger"
	"github.com/sshpod/sshpod/probe"
	"github.com/sshpod/sshpod/version"
)

// BundleVersion identifies the daemon bundle this build installs. It is
// written to the VERSION marker inside the install and compared by the
// prober on later connections.
func BundleVersion() string {
	return version.Version() + "+sshd1"
}

// Error marks a provisioning failure. Provisioning errors abort the whole
// connection attempt; there is no fallback to a lesser transfer format once
// the capability snapshot has chosen one.
type Error struct {
	msg string
}

func (e *Error) Error() string { return "provisioning failed: " + e.msg }

func failf(format string, v ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, v...)}
}

type Provisioner struct {
	logger    logger.Logger
	transport kubeexec.Transport
	source    Source
}

func New(l logger.Logger, tr kubeexec.Transport, src Source) *Provisioner {
	return &Provisioner{logger: l, transport: tr, source: src}
}

const lockScript = `umask 077; mkdir "$1/lock" 2>/dev/null || true`

const setupScript = `set -eu
umask 077
base="$1"; pubkey="$2"; login="$3"
mkdir -p "$base" "$base/hostkeys"
chmod 700 "$base" "$base/hostkeys"
[ -f "$base/authorized_keys" ] || : > "$base/authorized_keys"
grep -qxF "$pubkey" "$base/authorized_keys" || printf '%s\n' "$pubkey" >> "$base/authorized_keys"
chmod 600 "$base/authorized_keys"
if [ ! -f "$base/hostkeys/ssh_host_ed25519_key" ]; then
  "$base/bundle/ssh-keygen" -t ed25519 -f "$base/hostkeys/ssh_host_ed25519_key" -N '' >/dev/null
fi
chmod 600 "$base/hostkeys/"*
cat > "$base/sshd_config" <<EOF
HostKey $base/hostkeys/ssh_host_ed25519_key
PidFile $base/sshd.pid
AuthorizedKeysFile $base/authorized_keys
PubkeyAuthentication yes
StrictModes no
PasswordAuthentication no
KbdInteractiveAuthentication no
PermitEmptyPasswords no
AllowTcpForwarding yes
Subsystem sftp internal-sftp
EOF
chmod 600 "$base/sshd_config"
if [ -n "$login" ]; then
  chown "$login":"$login" "$base" "$base/authorized_keys" 2>/dev/null || true
fi
`

// Ensure brings the container to the point where a daemon can be attached:
// bundle extracted and marked, authorized key present, host key and daemon
// config in place. With snap.DaemonRunning it is a complete no-op: not a
// single exec session is opened.
//
// The authorized-keys write is idempotent (exact-line match before append),
// so running Ensure repeatedly yields one key entry.
func (p *Provisioner) Ensure(ctx context.Context, pod *kubeexec.PodInfo, container, base string, snap *probe.Snapshot, authorizedKey, loginUser string) error {
	if snap.DaemonRunning {
		p.logger.Debug("daemon already running in %s/%s[%s], skipping provisioning", pod.Namespace, pod.Name, container)
		return nil
	}

	// Best-effort concurrency guard against a second connection
	// provisioning the same container; losing the race is harmless
	// because every step below is idempotent.
	_, _ = kubeexec.Output(ctx, p.transport, p.execSpec(pod, container, lockScript, "sshpod-lock", base), nil)

	if !snap.DaemonInstalled {
		if err := p.install(ctx, pod, container, base, snap); err != nil {
			return err
		}
	}

	_, err := kubeexec.Output(ctx, p.transport, p.execSpec(pod, container, setupScript, "sshpod-setup", base, authorizedKey, loginUser), nil)
	if err != nil {
		return failf("preparing daemon configuration in %s: %v", base, err)
	}
	return nil
}

func (p *Provisioner) install(ctx context.Context, pod *kubeexec.PodInfo, container, base string, snap *probe.Snapshot) error {
	if !snap.HasTar {
		return failf("container has no tar; cannot extract the daemon bundle")
	}

	bundle, err := p.source.Open(snap.Arch)
	if err != nil {
		return err
	}
	defer bundle.Close()

	// The snapshot is the single source of truth for this attempt: the
	// format is chosen here once and never renegotiated after a failure.
	payload, filter := transferStream(bundle, snap.Compression)

	p.logger.Info("installing %s daemon bundle (%s) into %s", snap.Arch, snap.Compression, base)

	spec := p.execSpec(pod, container, installScript(filter), "sshpod-install", base, BundleVersion(), string(snap.Arch))
	if _, err := kubeexec.Output(ctx, p.transport, spec, payload); err != nil {
		return failf("extracting bundle in %s: %v", base, err)
	}
	return nil
}

func (p *Provisioner) execSpec(pod *kubeexec.PodInfo, container, script, name string, args ...string) kubeexec.ExecSpec {
	command := append([]string{"sh", "-c", script, name}, args...)
	return kubeexec.ExecSpec{
		Namespace: pod.Namespace,
		Pod:       pod.Name,
		Container: container,
		Command:   command,
	}
}

// installScript extracts stdin into a temp directory next to the final
// location and renames it into place, with the version and architecture
// markers written before the rename so they are never observable without a
// complete install. A daemon left over from the replaced install is killed:
// its pid file would otherwise satisfy the listener start script's liveness
// check and keep serving the old binary.
func installScript(filter string) string {
	return `set -eu
umask 077
base="$1"; bundlever="$2"; bundlearch="$3"
mkdir -p "$base"
chmod 700 "$base"
tmp="$base/.install.$$"
rm -rf "$tmp"
mkdir "$tmp"
` + filter + ` | tar -xf - -C "$tmp"
printf '%s\n' "$bundlever" > "$tmp/VERSION"
printf '%s\n' "$bundlearch" > "$tmp/ARCH"
chmod 700 "$tmp/sshd"
rm -rf "$base/bundle"
mv "$tmp" "$base/bundle"
if [ -f "$base/sshd.pid" ]; then
  kill "$(cat "$base/sshd.pid")" 2>/dev/null || true
  rm -f "$base/sshd.pid"
fi
`
}

// transferStream adapts the xz-compressed bundle to the format the snapshot
// selected, returning the stream to send and the remote decompression
// filter to run in front of tar.
func transferStream(bundle io.Reader, c probe.Compression) (io.Reader, string) {
	switch c {
	case probe.CompressionXZ:
		return bundle, "xz -dc"
	case probe.CompressionGzip:
		return recodeGzip(decodeXZ(bundle)), "gzip -dc"
	default:
		return decodeXZ(bundle), "cat"
	}
}

func decodeXZ(src io.Reader) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		r, err := xz.NewReader(src)
		if err != nil {
			pw.CloseWithError(failf("reading xz bundle: %v", err))
			return
		}
		_, err = io.Copy(pw, r)
		pw.CloseWithError(err)
	}()
	return pr
}

func recodeGzip(src io.Reader) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, src)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr
}
