// Package probe inspects a container before provisioning: architecture,
// available tooling, and the state of any previously installed daemon.
package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/sshpod/sshpod/kubeexec"
)

type Arch string

const (
	ArchAMD64       Arch = "amd64"
	ArchARM64       Arch = "arm64"
	ArchUnsupported Arch = "unsupported"
)

type Compression string

const (
	CompressionXZ   Compression = "xz"
	CompressionGzip Compression = "gzip"
	CompressionNone Compression = "none"
)

// Snapshot is the transient capability state of a container, re-derived on
// every connection attempt and never persisted. It is the single source of
// truth for the provisioning decisions of the attempt that produced it.
type Snapshot struct {
	Arch            Arch
	HasTar          bool
	Compression     Compression
	DaemonInstalled bool
	DaemonRunning   bool
	RemoteUID       string
	RemoteUser      string
}

// UnsupportedArchError aborts the whole connection: there is no bundle to
// install for this machine type.
type UnsupportedArchError struct {
	Machine string
}

func (e *UnsupportedArchError) Error() string {
	return fmt.Sprintf("unsupported container architecture %q", e.Machine)
}

// All checks are independent probes, but they ride in one shell round trip
// to pay the exec-session setup latency only once. The script emits one
// key=value pair per line; absence of a key is treated as its zero value.
const inspectScript = `set -eu
base="$1"
printf 'arch=%s\n' "$(uname -m)"
for tool in tar xz gzip; do
  if command -v "$tool" >/dev/null 2>&1; then printf '%s=yes\n' "$tool"; else printf '%s=no\n' "$tool"; fi
done
if [ -x "$base/bundle/sshd" ]; then echo installed=yes; else echo installed=no; fi
if [ -f "$base/bundle/VERSION" ]; then printf 'version=%s\n' "$(cat "$base/bundle/VERSION")"; fi
if [ -f "$base/bundle/ARCH" ]; then printf 'bundlearch=%s\n' "$(cat "$base/bundle/ARCH")"; fi
if [ -f "$base/sshd.pid" ] && kill -0 "$(cat "$base/sshd.pid")" 2>/dev/null; then echo running=yes; else echo running=no; fi
printf 'uid=%s\n' "$(id -u)"
printf 'user=%s\n' "$(id -un)"
`

// Inspect probes the container in a single short-lived exec session and
// returns its capability snapshot. An install whose VERSION or ARCH marker
// does not match wantVersion / the detected architecture is reported as not
// installed, so a stale bundle is re-provisioned rather than trusted.
func Inspect(ctx context.Context, tr kubeexec.Transport, namespace, pod, container, base, wantVersion string) (*Snapshot, error) {
	out, err := kubeexec.Output(ctx, tr, kubeexec.ExecSpec{
		Namespace: namespace,
		Pod:       pod,
		Container: container,
		Command:   []string{"sh", "-c", inspectScript, "sshpod-probe", base},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("probing container %s/%s[%s]: %w", namespace, pod, container, err)
	}

	values := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("unexpected probe output line %q", line)
		}
		values[key] = value
	}

	machine, ok := values["arch"]
	if !ok {
		return nil, fmt.Errorf("probe output missing architecture (got %q)", out)
	}
	arch, err := mapArch(machine)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Arch:            arch,
		HasTar:          values["tar"] == "yes",
		Compression:     pickCompression(values),
		DaemonInstalled: values["installed"] == "yes",
		DaemonRunning:   values["running"] == "yes",
		RemoteUID:       values["uid"],
		RemoteUser:      values["user"],
	}

	if snap.DaemonInstalled {
		if values["version"] != wantVersion || values["bundlearch"] != string(arch) {
			snap.DaemonInstalled = false
			snap.DaemonRunning = false
		}
	}
	return snap, nil
}

func mapArch(machine string) (Arch, error) {
	switch machine {
	case "x86_64", "amd64":
		return ArchAMD64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	}
	return ArchUnsupported, &UnsupportedArchError{Machine: machine}
}

// pickCompression is a strict preference order: xz beats gzip beats raw tar.
func pickCompression(values map[string]string) Compression {
	switch {
	case values["xz"] == "yes":
		return CompressionXZ
	case values["gzip"] == "yes":
		return CompressionGzip
	default:
		return CompressionNone
	}
}
