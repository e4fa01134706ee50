package worker

import (
	"os"
	"path/filepath"
	"strings"
)

// cleanTmpDir is a private temp directory for worker processes. Editor
// sockets in the shared TMPDIR have crashed the claude CLI before.
var cleanTmpDir = filepath.Join(os.TempDir(), "ralph-worker")

// cleanEnv returns the current environment with TMPDIR pointed at
// cleanTmpDir and extra appended.
func cleanEnv(extra []string) []string {
	os.MkdirAll(cleanTmpDir, 0755)

	env := os.Environ()
	found := false
	for i, kv := range env {
		if strings.HasPrefix(kv, "TMPDIR=") {
			env[i] = "TMPDIR=" + cleanTmpDir
			found = true
			break
		}
	}
	if !found {
		env = append(env, "TMPDIR="+cleanTmpDir)
	}
	return append(env, extra...)
}
