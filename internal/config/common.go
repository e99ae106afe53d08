// Package config resolves component configuration with the precedence
// defaults < YAML file < environment < command line flags.
package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GetEnv returns the value of key or def when unset.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// DefaultConfigPath returns the default config file path for name
// (e.g. "bridge.yaml").
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath builds a config path for the given OS and base directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "tunnelbridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "tunnelbridge", name)
	default:
		return filepath.Join("/etc", "tunnelbridge", name)
	}
}

// configArg returns the value of a --config flag in args, if any.
func configArg(args []string) string {
	for i, a := range args {
		a = strings.TrimPrefix(a, "-")
		if a == "-config" || a == "config" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if v, ok := strings.CutPrefix(a, "-config="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(a, "config="); ok {
			return v
		}
	}
	return ""
}

// loadYAML reads path into v. A missing file is not an error.
func loadYAML(path string, v any) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, v)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration accepts a Go duration ("45s") or a number of seconds ("45").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

func envString(key string, dst *string) {
	if v := GetEnv(key, ""); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := GetEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := GetEnv(key, ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := GetEnv(key, ""); v != "" {
		if d, err := parseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v := GetEnv(key, ""); v != "" {
		*dst = splitComma(v)
	}
}

func durationFlag(fs *flag.FlagSet, name string, dst *time.Duration, usage string) {
	fs.Func(name, usage+" (default "+dst.String()+")", func(v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	})
}

func listFlag(fs *flag.FlagSet, name string, dst *[]string, usage string) {
	fs.Func(name, usage, func(v string) error {
		*dst = splitComma(v)
		return nil
	})
}
