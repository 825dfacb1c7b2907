package logger

import "fmt"

type Level int

const (
	DEBUG Level = iota
	INFO
	NOTICE
	WARN
	ERROR
	FATAL
)

var levelNames = []string{
	"DEBUG",
	"INFO",
	"NOTICE",
	"WARN",
	"ERROR",
	"FATAL",
}

// String returns the string representation of a logging level.
func (l Level) String() string {
	if l < DEBUG || l > FATAL {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel converts a level name as accepted by the --log-level flag.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "notice", "NOTICE":
		return NOTICE, nil
	case "warn", "WARN":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "fatal", "FATAL":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("invalid log level %q", s)
}
