package clicommand

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/urfave/cli"

	"github.com/sshpod/sshpod/identity"
)

const keygenHelpDescription = `Usage:

    sshpod keygen [options...]

Description:

Makes sure the sshpod client keypair exists and prints the public key in
authorized_keys format. With --force a fresh keypair is generated; existing
containers keep the old key in their authorized_keys until re-provisioned,
which is harmless.

Example:

    $ sshpod keygen
    ssh-ed25519 AAAAC3NzaC1lZDI1NTE5... sshpod`

type KeygenConfig struct {
	GlobalConfig

	IdentityDir string `cli:"identity-dir" normalize:"filepath"`
	Force       bool   `cli:"force"`
}

var KeygenCommand = cli.Command{
	Name:        "keygen",
	Usage:       "Create (or print) the client keypair used to authenticate to in-container daemons",
	Description: keygenHelpDescription,
	Flags: slices.Concat(globalFlags(), []cli.Flag{
		cli.StringFlag{
			Name:   "identity-dir",
			Usage:  "Directory holding the client keypair",
			EnvVar: "SSHPOD_IDENTITY_DIR",
		},
		cli.BoolFlag{
			Name:  "force",
			Usage: "Replace an existing keypair",
		},
	}),
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		_, cfg, l, _, done := setupLoggerAndConfig[KeygenConfig](ctx, c)
		defer done()

		dir := cfg.IdentityDir
		if dir == "" {
			var err error
			if dir, err = identity.DefaultDir(); err != nil {
				return NewExitError(ExitCodeGeneric, err)
			}
		}

		if cfg.Force {
			for _, name := range []string{"id_ed25519", "id_ed25519.pub"} {
				if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
					return NewExitError(ExitCodeGeneric, err)
				}
			}
			l.Info("discarded the previous keypair")
		}

		id, err := identity.Ensure(l, dir)
		if err != nil {
			return NewExitError(ExitCodeGeneric, err)
		}

		fmt.Fprintln(c.App.Writer, id.AuthorizedKey)
		return nil
	},
}
