package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const soundDevDir = "/dev/snd"

// Permissions answers whether this process may use the microphone. On Linux
// that comes down to read access on the sound device nodes, which is granted
// through group membership rather than an interactive prompt.
type Permissions struct {
	devDir string
}

// NewPermissions returns the default permission oracle.
func NewPermissions() *Permissions {
	return &Permissions{devDir: soundDevDir}
}

// Granted reports whether capture device nodes are accessible. A missing
// sound subsystem is a query failure, not a denial.
func (p *Permissions) Granted() (bool, error) {
	entries, err := os.ReadDir(p.devDir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, fmt.Errorf("querying sound devices: %w", err)
	}

	checked := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		checked = true
		f, err := os.Open(filepath.Join(p.devDir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return false, nil
			}
			continue
		}
		f.Close()
		return true, nil
	}
	if !checked {
		return false, fmt.Errorf("no sound devices under %s", p.devDir)
	}
	return false, nil
}

// Request asks for microphone access. There is no prompt to show outside a
// desktop portal, so this re-checks the current grant; callers get the same
// answer an immediate Granted would give.
func (p *Permissions) Request() (bool, error) {
	return p.Granted()
}
