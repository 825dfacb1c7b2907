// Package cliconfig loads command configuration structs from CLI flags and
// an optional key=value config file, driven by `cli:"..."` struct tags.
package cliconfig

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/oleiade/reflections"
	"github.com/urfave/cli"

	"github.com/sshpod/sshpod/internal/osutil"
)

type Loader struct {
	// The context that is passed when using a urfave/cli action
	CLI *cli.Context

	// The struct that the config values will be loaded into
	Config any

	// A slice of paths to files that should be used as config files
	DefaultConfigFilePaths []string

	// The file that was used when loading this configuration
	File *File
}

// Load populates Config from the CLI context and any config file found,
// applies normalizations, and runs validations.
func (l *Loader) Load() error {
	if path := l.CLI.String("config"); path != "" {
		file := File{Path: path}
		if !file.Exists() {
			absolutePath, _ := file.AbsolutePath()
			return fmt.Errorf("a configuration file could not be found at: %q", absolutePath)
		}
		l.File = &file
	} else {
		for _, path := range l.DefaultConfigFilePaths {
			file := File{Path: path}
			if file.Exists() {
				l.File = &file
				break
			}
		}
	}

	if l.File != nil {
		if err := l.File.Load(); err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
	}

	fields, _ := reflections.FieldsDeep(l.Config)
	for _, fieldName := range fields {
		cliName, _ := reflections.GetFieldTag(l.Config, fieldName, "cli")
		if cliName != "" {
			if err := l.setFieldValueFromCLI(fieldName, cliName); err != nil {
				return fmt.Errorf("setting config field %s: %w", fieldName, err)
			}
		}

		normalization, _ := reflections.GetFieldTag(l.Config, fieldName, "normalize")
		if normalization != "" {
			if err := l.normalizeField(fieldName, normalization); err != nil {
				return fmt.Errorf("normalizing config field %s: %w", fieldName, err)
			}
		}

		validationRules, _ := reflections.GetFieldTag(l.Config, fieldName, "validate")
		if validationRules != "" {
			label := cliName
			if label == "" {
				label = fieldName
			}
			if err := l.validateField(fieldName, label, validationRules); err != nil {
				return err
			}
		}
	}

	return nil
}

func (l Loader) setFieldValueFromCLI(fieldName, cliName string) error {
	fieldKind, err := reflections.GetFieldKind(l.Config, fieldName)
	if err != nil {
		return fmt.Errorf("getting the kind of struct field %q: %w", fieldName, err)
	}
	fieldType, err := reflections.GetFieldType(l.Config, fieldName)
	if err != nil {
		return fmt.Errorf("getting the type of struct field %q: %w", fieldName, err)
	}

	var value any

	// The config file provides defaults; explicitly-set CLI flags (or
	// their environment variables) win over it.
	if l.File != nil {
		if configFileValue, ok := l.File.Config[cliName]; ok {
			switch fieldKind {
			case reflect.String:
				value = configFileValue
			case reflect.Bool:
				value, _ = strconv.ParseBool(configFileValue)
			case reflect.Int:
				value, _ = strconv.Atoi(configFileValue)
			case reflect.Int64:
				if fieldType == "time.Duration" {
					value, _ = time.ParseDuration(configFileValue)
				} else {
					value, _ = strconv.ParseInt(configFileValue, 10, 64)
				}
			default:
				return fmt.Errorf("unable to convert string to type %s", fieldKind)
			}
		}
	}

	if value == nil || l.cliValueIsSet(cliName) {
		switch fieldKind {
		case reflect.String:
			value = l.CLI.String(cliName)
		case reflect.Bool:
			value = l.CLI.Bool(cliName)
		case reflect.Int:
			value = l.CLI.Int(cliName)
		case reflect.Int64:
			if fieldType == "time.Duration" {
				value = l.CLI.Duration(cliName)
			} else {
				value = l.CLI.Int64(cliName)
			}
		default:
			return fmt.Errorf("unable to handle type: %s", fieldKind)
		}
	}

	if value != nil {
		if err := reflections.SetField(l.Config, fieldName, value); err != nil {
			return fmt.Errorf("setting value field %q to %q: %w", fieldName, value, err)
		}
	}
	return nil
}

func (l Loader) Errorf(format string, v ...any) error {
	suffix := fmt.Sprintf(" See: `%s %s --help`", l.CLI.App.Name, l.CLI.Command.Name)
	return fmt.Errorf(format+suffix, v...)
}

func (l Loader) cliValueIsSet(cliName string) bool {
	if l.CLI.IsSet(cliName) {
		return true
	}

	// cli.Context#IsSet only checks to see if the flag was set via the
	// command line, not via the environment, so look the EnvVar up too.
	for _, flag := range l.CLI.Command.Flags {
		name, _ := reflections.GetField(flag, "Name")
		envVar, _ := reflections.GetField(flag, "EnvVar")
		if name == cliName && envVar != "" {
			if envVarStr, ok := envVar.(string); ok {
				return os.Getenv(strings.TrimSpace(envVarStr)) != ""
			}
		}
	}
	return false
}

func (l Loader) fieldValueIsEmpty(fieldName string) bool {
	value, _ := reflections.GetField(l.Config, fieldName)
	fieldKind, _ := reflections.GetFieldKind(l.Config, fieldName)

	switch fieldKind {
	case reflect.String:
		return value == ""
	case reflect.Bool:
		return value == false
	case reflect.Int, reflect.Int64:
		return reflect.ValueOf(value).Int() == 0
	default:
		panic(fmt.Sprintf("can't determine empty-ness for field type %s", fieldKind))
	}
}

func (l Loader) validateField(fieldName, label, validationRules string) error {
	for _, rule := range strings.Split(validationRules, ",") {
		switch rule {
		case "required":
			if l.fieldValueIsEmpty(fieldName) {
				return l.Errorf("Missing %s.", label)
			}
		default:
			return fmt.Errorf("unknown config validation rule %q", rule)
		}
	}
	return nil
}

func (l Loader) normalizeField(fieldName, normalization string) error {
	if normalization != "filepath" {
		return fmt.Errorf("unknown normalization %q", normalization)
	}

	fieldKind, _ := reflections.GetFieldKind(l.Config, fieldName)
	if fieldKind != reflect.String {
		return fmt.Errorf("filepath normalization only works on string fields")
	}

	value, _ := reflections.GetField(l.Config, fieldName)
	valueAsString, ok := value.(string)
	if !ok || valueAsString == "" {
		return nil
	}

	normalizedPath, err := osutil.NormalizeFilePath(valueAsString)
	if err != nil {
		return err
	}
	return reflections.SetField(l.Config, fieldName, normalizedPath)
}
