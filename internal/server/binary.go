package server

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/zjrosen/telecode/internal/log"
)

const (
	// EnvPort forces the server port, skipping ephemeral allocation.
	// Useful when the port must be known in advance, e.g. behind a tunnel.
	EnvPort = "OPENCODE_PORT"
	// EnvPath overrides opencode executable discovery entirely.
	EnvPath = "OPENCODE_PATH"
)

// ErrExecutableNotFound is returned when no opencode binary could be located
// through the environment, the default install location, or PATH.
var ErrExecutableNotFound = fmt.Errorf("opencode executable not found: set %s or install to ~/.opencode/bin", EnvPath)

func executableName() string {
	if runtime.GOOS == "windows" {
		return "opencode.exe"
	}
	return "opencode"
}

// ResolveBinary reports which opencode executable a supervisor configured
// with the given override would launch, without launching anything.
func ResolveBinary(override string) (string, error) {
	return findExecutable(override)
}

// findExecutable locates the opencode binary. Precedence: the OPENCODE_PATH
// environment variable, then the configured override, then the installer's
// default location under the home directory, then PATH lookup. An explicit
// override that does not exist is an error rather than a silent fallthrough.
func findExecutable(override string) (string, error) {
	if env := os.Getenv(EnvPath); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("%s %q: %w", EnvPath, env, err)
		}
		log.Debug(log.CatServer, "Using executable from environment", "path", env)
		return env, nil
	}

	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("configured opencode binary %q: %w", override, err)
		}
		log.Debug(log.CatServer, "Using configured executable", "path", override)
		return override, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		installed := filepath.Join(home, ".opencode", "bin", executableName())
		if _, err := os.Stat(installed); err == nil {
			log.Debug(log.CatServer, "Using installed executable", "path", installed)
			return installed, nil
		}
	}

	if path, err := exec.LookPath(executableName()); err == nil {
		log.Debug(log.CatServer, "Using executable from PATH", "path", path)
		return path, nil
	}

	return "", ErrExecutableNotFound
}
