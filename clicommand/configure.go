package clicommand

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli"

	"github.com/sshpod/sshpod/identity"
	"github.com/sshpod/sshpod/sshconfig"
	"github.com/sshpod/sshpod/target"
)

const configureHelpDescription = `Usage:

    sshpod configure [options...]

Description:

Adds a managed block to your SSH client configuration that routes every
*.sshpod hostname through "sshpod proxy", and makes sure a client keypair
exists. Running it again updates the block in place; --remove deletes it.

After configuring, any encoded hostname works with plain ssh:

    $ ssh pod--web-1.namespace--prod.context--staging.sshpod

Example:

    $ sshpod configure
    $ sshpod configure --remove`

type ConfigureConfig struct {
	GlobalConfig

	SSHConfigPath string `cli:"ssh-config-path" normalize:"filepath"`
	IdentityDir   string `cli:"identity-dir" normalize:"filepath"`
	Remove        bool   `cli:"remove"`
}

var ConfigureCommand = cli.Command{
	Name:        "configure",
	Usage:       "Install the sshpod block into your SSH client configuration",
	Description: configureHelpDescription,
	Flags: slices.Concat(globalFlags(), []cli.Flag{
		cli.StringFlag{
			Name:   "ssh-config-path",
			Usage:  "Path to the SSH client config to edit (defaults to ~/.ssh/config)",
			EnvVar: "SSHPOD_SSH_CONFIG_PATH",
		},
		cli.StringFlag{
			Name:   "identity-dir",
			Usage:  "Directory holding the client keypair",
			EnvVar: "SSHPOD_IDENTITY_DIR",
		},
		cli.BoolFlag{
			Name:  "remove",
			Usage: "Remove the managed block instead of installing it",
		},
	}),
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		_, cfg, l, _, done := setupLoggerAndConfig[ConfigureConfig](ctx, c)
		defer done()

		path := cfg.SSHConfigPath
		if path == "" {
			var err error
			if path, err = sshconfig.DefaultPath(); err != nil {
				return NewExitError(ExitCodeGeneric, err)
			}
		}

		if cfg.Remove {
			removed, err := sshconfig.Remove(path)
			if err != nil {
				return NewExitError(ExitCodeGeneric, err)
			}
			if removed {
				l.Notice("removed the sshpod block from %s", path)
			} else {
				l.Info("no sshpod block found in %s", path)
			}
			return nil
		}

		executable, err := os.Executable()
		if err != nil {
			return NewExitError(ExitCodeGeneric, fmt.Errorf("resolving own executable path: %w", err))
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

		changed, err := sshconfig.Install(path, sshconfig.Block(executable, id.PrivateKeyPath))
		if err != nil {
			return NewExitError(ExitCodeGeneric, err)
		}
		if changed {
			l.Notice("installed the sshpod block into %s", path)
		} else {
			l.Info("%s is already up to date", path)
		}
		l.Notice("try it: ssh <pod-name>.context--<kube-context>%s", target.Suffix)
		return nil
	},
}
