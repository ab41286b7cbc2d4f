package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	pidDirName  = "porticus"
	pidFileName = "porticus.pid"
)

// DefaultPIDPath returns <user config dir>/porticus/porticus.pid, falling
// back to the temp directory when no config directory is known.
func DefaultPIDPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, pidDirName, pidFileName)
}

// PIDFile is a file holding the PID of the running instance.
type PIDFile struct {
	path string
}

// NewPIDFile returns a PIDFile at path. An empty path means DefaultPIDPath.
func NewPIDFile(path string) *PIDFile {
	if path == "" {
		path = DefaultPIDPath()
	}
	return &PIDFile{path: path}
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Write records the current process ID, creating parent directories.
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// Read returns the recorded PID.
//
// Returns:
//   - int: the PID
//   - error: ErrNotRunning if the file does not exist, ErrInvalidPIDFile
//     if it does not hold a positive integer
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPIDFile, p.path)
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// Acquire writes the PID file unless it names another live process.
// Stale and unreadable files are overwritten.
func (p *PIDFile) Acquire() error {
	pid, err := p.Read()
	if err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, p.path)
	}
	return p.Write()
}
