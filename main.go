package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/sshpod/sshpod/clicommand"
	"github.com/sshpod/sshpod/version"
)

const appHelpTemplate = `Usage:

  {{.Name}} <command> [options...]

Available commands are:

  {{range .Commands}}{{.Name}}{{with .ShortName}}, {{.}}{{end}}{{ "\t" }}{{.Usage}}
  {{end}}
Use "{{.Name}} <command> --help" for more information about a command.

`

func main() {
	cli.AppHelpTemplate = appHelpTemplate

	app := cli.NewApp()
	app.Name = "sshpod"
	app.Usage = "SSH into Kubernetes containers through a ProxyCommand"
	app.Version = version.FullVersion()
	app.Commands = []cli.Command{
		clicommand.ProxyCommand,
		clicommand.ConfigureCommand,
		clicommand.KeygenCommand,
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr *clicommand.ExitError
		if errors.As(err, &exitErr) {
			// The pipeline already logged the failure to stderr.
			os.Exit(exitErr.Code())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
