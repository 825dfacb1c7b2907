package clicommand

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oleiade/reflections"
	"github.com/urfave/cli"

	"github.com/sshpod/sshpod/cliconfig"
	"github.com/sshpod/sshpod/internal/osutil"
	"github.com/sshpod/sshpod/logger"
)

// DefaultConfigFilePaths are searched, in order, when no --config flag is
// given.
func DefaultConfigFilePaths() []string {
	var paths []string
	if home, err := osutil.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sshpod", "sshpod.cfg"))
	}
	return append(paths, "/etc/sshpod/sshpod.cfg")
}

// setupLoggerAndConfig loads the command's config struct from flags and
// config files and builds the logger the command should use. The returned
// func must be deferred.
func setupLoggerAndConfig[T any](ctx context.Context, c *cli.Context) (context.Context, T, logger.Logger, *cliconfig.Loader, func()) {
	cfg := new(T)
	loader := &cliconfig.Loader{
		CLI:                    c,
		Config:                 cfg,
		DefaultConfigFilePaths: DefaultConfigFilePaths(),
	}
	if err := loader.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	global := globalConfigOf(cfg)
	l, err := createLogger(global)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if loader.File != nil {
		l.Debug("loaded configuration from %s", loader.File.Path)
	}

	return ctx, *cfg, l, loader, func() {}
}

// globalConfigOf digs the embedded GlobalConfig out of a command config.
func globalConfigOf(cfg any) *GlobalConfig {
	value, err := reflections.GetField(cfg, "GlobalConfig")
	if err != nil {
		return &GlobalConfig{}
	}
	global, ok := value.(GlobalConfig)
	if !ok {
		return &GlobalConfig{}
	}
	return &global
}
