package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ProjectRoot returns the directory ralph operates in.
// Priority order:
//  1. RALPH_HOME environment variable (if set)
//  2. The nearest directory at or above start holding a .ralph directory
//     or a prd.json task list
//  3. start itself
func ProjectRoot(start string) (string, error) {
	if home := os.Getenv("RALPH_HOME"); home != "" {
		return filepath.Abs(home)
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	current := abs
	for {
		if isDir(filepath.Join(current, ".ralph")) || isFile(filepath.Join(current, "prd.json")) {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Reached filesystem root
			break
		}
		current = parent
	}

	return abs, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
