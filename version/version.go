// Package version provides the sshpod version strings.
package version

import (
	_ "embed"
	"runtime"
	"strings"
)

// buildVersion can be overridden at compile time:
//
//	go build -ldflags "-X github.com/sshpod/sshpod/version.buildVersion=abc" .
//
// Release binaries are always built with buildVersion set.

//go:embed VERSION
var baseVersion string
var buildVersion string

func Version() string {
	return strings.TrimSpace(baseVersion)
}

func BuildVersion() string {
	if buildVersion == "" {
		return "x"
	}
	return buildVersion
}

func FullVersion() string {
	return Version() + "." + BuildVersion() + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}
