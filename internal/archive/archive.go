// Package archive keeps the task list and progress log of each run identity
// apart: when the identity changes, the previous files are copied into a
// dated folder and the progress log starts over.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/harrison/ralph/internal/filelock"
)

// ProgressLogTitle is the first line of a fresh progress log.
const ProgressLogTitle = "# Ralph Progress Log"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Manager archives files when the run identity changes.
type Manager struct {
	TaskListPath    string
	ProgressLogPath string
	ArchiveDir      string
	IdentityPath    string // File holding the last known run identity
	Now             func() time.Time
}

// Result describes what Reconcile did.
type Result struct {
	Previous    string
	Current     string
	ArchivedTo  string   // Empty when nothing was archived
	Copied      []string // Files copied into ArchivedTo
	IdentitySet bool     // Current was persisted
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// SanitizeIdentity turns a run identity into a folder-name fragment. A
// leading "ralph/" is dropped and any run of characters outside
// [A-Za-z0-9._-] becomes a single "-".
func SanitizeIdentity(identity string) string {
	name := strings.TrimPrefix(identity, "ralph/")
	name = unsafeChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "unnamed"
	}
	return name
}

// Header returns the two-line header a progress log starts with.
func Header(started time.Time) string {
	return fmt.Sprintf("%s\nStarted: %s\n", ProgressLogTitle, started.Format(time.RFC1123))
}

// LastIdentity reads the persisted identity. A missing file yields "".
func (m *Manager) LastIdentity() (string, error) {
	data, err := os.ReadFile(m.IdentityPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read last identity: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// MaybeArchive copies the task list and progress log into
// <ArchiveDir>/<date>-<last> when last and current are both set and differ,
// then resets the progress log. Missing source files are skipped. It returns
// the archive folder, or "" when nothing was archived.
func (m *Manager) MaybeArchive(last, current string) (string, []string, error) {
	if last == "" || current == "" || last == current {
		return "", nil, nil
	}

	now := m.now()
	dest := filepath.Join(m.ArchiveDir, now.Format("2006-01-02")+"-"+SanitizeIdentity(last))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", nil, fmt.Errorf("create archive folder: %w", err)
	}

	var copied []string
	for _, src := range []string{m.TaskListPath, m.ProgressLogPath} {
		ok, err := copyFile(src, filepath.Join(dest, filepath.Base(src)))
		if err != nil {
			return dest, copied, err
		}
		if ok {
			copied = append(copied, filepath.Base(src))
		}
	}

	if err := m.resetProgressLog(now); err != nil {
		return dest, copied, err
	}
	return dest, copied, nil
}

// Reconcile compares the persisted identity with current, archives if they
// differ and records current as the last known identity. An empty current
// identity is never written, so a task list without one does not erase the
// previous value.
func (m *Manager) Reconcile(current string) (*Result, error) {
	last, err := m.LastIdentity()
	if err != nil {
		return nil, err
	}

	res := &Result{Previous: last, Current: current}
	res.ArchivedTo, res.Copied, err = m.MaybeArchive(last, current)
	if err != nil {
		return res, err
	}

	if current != "" {
		if err := filelock.AtomicWrite(m.IdentityPath, []byte(current+"\n")); err != nil {
			return res, fmt.Errorf("persist identity: %w", err)
		}
		res.IdentitySet = true
	}
	return res, nil
}

// EnsureProgressLog writes a fresh header if the progress log does not exist.
func (m *Manager) EnsureProgressLog() (bool, error) {
	if _, err := os.Stat(m.ProgressLogPath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat progress log: %w", err)
	}
	if err := m.resetProgressLog(m.now()); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) resetProgressLog(now time.Time) error {
	if err := filelock.AtomicWrite(m.ProgressLogPath, []byte(Header(now))); err != nil {
		return fmt.Errorf("reset progress log: %w", err)
	}
	return nil
}

// Entry is one archived run folder.
type Entry struct {
	Name  string
	Path  string
	Files []string
}

// List returns the archive folders under dir, newest name first.
func List(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	var entries []Entry
	for _, d := range dirEntries {
		if !d.IsDir() {
			continue
		}
		e := Entry{Name: d.Name(), Path: filepath.Join(dir, d.Name())}
		files, err := os.ReadDir(e.Path)
		if err == nil {
			for _, f := range files {
				if !f.IsDir() {
					e.Files = append(e.Files, f.Name())
				}
			}
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name > entries[j].Name })
	return entries, nil
}

// copyFile copies src to dst. It returns false without error when src does
// not exist.
func copyFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", dst, err)
	}
	return true, nil
}
