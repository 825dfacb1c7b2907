package provision

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sshpod/sshpod/probe"
)

// Source yields the daemon bundle for an architecture as an xz-compressed
// tar stream. The bundle's internal layout (sshd, ssh-keygen, relay at the
// archive root) is a fixed contract with the install script.
type Source interface {
	Open(arch probe.Arch) (io.ReadCloser, error)
}

// FileSource locates bundle archives on the local filesystem. With an
// explicit Dir only that directory is searched; otherwise the executable's
// directory, its bundles/ subdirectory, and the working directory are tried
// in order.
type FileSource struct {
	Dir string
}

func bundleFilename(arch probe.Arch) string {
	return fmt.Sprintf("sshd-bundle-%s.tar.xz", arch)
}

func (s FileSource) Open(arch probe.Arch) (io.ReadCloser, error) {
	name := bundleFilename(arch)

	if s.Dir != "" {
		f, err := os.Open(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, failf("opening bundle %s: %v", filepath.Join(s.Dir, name), err)
		}
		return f, nil
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates, filepath.Join(dir, name), filepath.Join(dir, "bundles", name))
	}
	candidates = append(candidates, name, filepath.Join("bundles", name))

	for _, path := range candidates {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, failf("opening bundle %s: %v", path, err)
		}
	}
	return nil, failf("bundle %s not found; place it next to the sshpod binary or in ./bundles", name)
}
