// Package daemon guards long-running rota processes with a PID file so only
// one watcher or server syncs a given state directory.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Acquire when a live process holds the file.
var ErrAlreadyRunning = errors.New("another rota process is already syncing")

// PIDFile manages a PID file.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire records the current process in the file. A file left behind by a
// dead process is taken over. The returned release removes the file if it
// still names this process.
func (p *PIDFile) Acquire() (release func(), err error) {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return nil, fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, p.Path)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	if err := p.Write(); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() {
		if pid, err := p.Read(); err == nil && pid == os.Getpid() {
			_ = p.Remove()
		}
	}, nil
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
