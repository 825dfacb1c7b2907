package clicommand

import (
	"github.com/urfave/cli"

	"github.com/sshpod/sshpod/logger"
)

// GlobalConfig is embedded in every command's config struct.
type GlobalConfig struct {
	Config   string `cli:"config" normalize:"filepath"`
	Debug    bool   `cli:"debug"`
	LogLevel string `cli:"log-level"`
	NoColor  bool   `cli:"no-color"`
}

var ConfigFlag = cli.StringFlag{
	Name:   "config",
	Usage:  "Path to a configuration file",
	EnvVar: "SSHPOD_CONFIG",
}

var DebugFlag = cli.BoolFlag{
	Name:   "debug",
	Usage:  "Enable debug mode. Synonym for `--log-level debug`",
	EnvVar: "SSHPOD_DEBUG",
}

var LogLevelFlag = cli.StringFlag{
	Name:   "log-level",
	Value:  "notice",
	Usage:  "Set the log level, either debug, info, notice, warn or error",
	EnvVar: "SSHPOD_LOG_LEVEL",
}

var NoColorFlag = cli.BoolFlag{
	Name:   "no-color",
	Usage:  "Don't show colors in logging",
	EnvVar: "SSHPOD_NO_COLOR",
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		DebugFlag,
		LogLevelFlag,
		NoColorFlag,
	}
}

// createLogger builds the stderr logger every command uses. Nothing is ever
// logged to stdout: in proxy mode stdout belongs to the SSH client.
func createLogger(cfg *GlobalConfig) (logger.Logger, error) {
	l := logger.NewTextLogger()
	if cfg.NoColor {
		l.SetColors(false)
	}

	level := logger.NOTICE
	if cfg.LogLevel != "" {
		var err error
		if level, err = logger.ParseLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	if cfg.Debug {
		level = logger.DEBUG
	}
	l.SetLevel(level)

	return l, nil
}
