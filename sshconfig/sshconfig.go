// Package sshconfig maintains the managed block in the user's SSH client
// configuration that routes *.sshpod hosts through the proxy.
//
// The block is delimited by marker comments and replaced wholesale on every
// install, so upgrades never accumulate stale directives and user-owned
// config outside the markers is never touched.
package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sshpod/sshpod/internal/osutil"
)

const (
	beginMarker = "# BEGIN sshpod managed block"
	endMarker   = "# END sshpod managed block"
)

// DefaultPath returns the user's SSH client config path.
func DefaultPath() (string, error) {
	home, err := osutil.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// Block renders the managed configuration. Host keys inside containers are
// ephemeral (regenerated whenever the scratch area is recycled), so strict
// host key checking is disabled for the sshpod suffix only.
func Block(executable, identityFile string) string {
	var b strings.Builder
	fmt.Fprintln(&b, beginMarker)
	fmt.Fprintln(&b, "Host *.sshpod")
	fmt.Fprintf(&b, "  ProxyCommand %s proxy --host %%h --user %%r --port %%p\n", executable)
	if identityFile != "" {
		fmt.Fprintf(&b, "  IdentityFile %s\n", identityFile)
		fmt.Fprintln(&b, "  IdentitiesOnly yes")
	}
	fmt.Fprintln(&b, "  StrictHostKeyChecking no")
	fmt.Fprintln(&b, "  UserKnownHostsFile /dev/null")
	fmt.Fprintln(&b, endMarker)
	return b.String()
}

// Install writes block into the config at path, replacing a previous
// managed block if one exists. It reports whether the file changed.
func Install(path, block string) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}

	updated, err := splice(string(existing), block)
	if err != nil {
		return false, fmt.Errorf("updating %s: %w", path, err)
	}
	if updated == string(existing) {
		return false, nil
	}
	return true, write(path, updated)
}

// Remove deletes the managed block, reporting whether one was present.
func Remove(path string) (bool, error) {
	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}

	updated, err := splice(string(existing), "")
	if err != nil {
		return false, fmt.Errorf("updating %s: %w", path, err)
	}
	if updated == string(existing) {
		return false, nil
	}
	return true, write(path, updated)
}

// splice replaces the marker-delimited region of content with block, or
// appends block when no markers exist yet.
func splice(content, block string) (string, error) {
	begin := strings.Index(content, beginMarker)
	if begin == -1 {
		if block == "" {
			return content, nil
		}
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		if content != "" {
			content += "\n"
		}
		return content + block, nil
	}

	end := strings.Index(content[begin:], endMarker)
	if end == -1 {
		return "", fmt.Errorf("found %q without matching %q; refusing to edit", beginMarker, endMarker)
	}
	after := content[begin+end+len(endMarker):]
	after = strings.TrimPrefix(after, "\n")

	if block == "" {
		return strings.TrimSuffix(content[:begin], "\n") + after, nil
	}
	return content[:begin] + block + after, nil
}

func write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}

	tmp := path + ".sshpod.tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
