package cliconfig

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sshpod/sshpod/internal/osutil"
)

// File is a key=value configuration file.
type File struct {
	// The path to the file
	Path string

	// A map of key/values that was loaded from the file
	Config map[string]string
}

func (f *File) Load() error {
	f.Config = map[string]string{}

	absolutePath, err := f.AbsolutePath()
	if err != nil {
		return fmt.Errorf("getting absolute path for %s: %w", f.Path, err)
	}

	file, err := os.Open(absolutePath)
	if err != nil {
		return fmt.Errorf("opening file %s: %w", f.Path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("parsing config line %d: no \"=\" separator in %q", lineNum, line)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.Count(value, `"`) == 2 || strings.Count(value, "'") == 2 {
			value = strings.Trim(value, `"'`)
		}

		f.Config[key] = value
	}
	return scanner.Err()
}

func (f File) AbsolutePath() (string, error) {
	return osutil.NormalizeFilePath(f.Path)
}

func (f File) Exists() bool {
	absolutePath, err := f.AbsolutePath()
	if err != nil {
		return false
	}
	return osutil.FileExists(absolutePath)
}
