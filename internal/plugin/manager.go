package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// ErrInvalidName is returned for plugin names that are not a plain file name.
var ErrInvalidName = errors.New("invalid plugin name")

// Manager gives access to a plugins directory.
type Manager struct {
	log zerolog.Logger
	dir string
}

// NewManager opens dir, creating it when it does not exist yet.
func NewManager(dir string, logger zerolog.Logger) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("plugins directory not set")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve plugins directory %s", dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create plugins directory %s", abs)
	}
	return &Manager{dir: abs, log: logger.With().Str("plugins_dir", abs).Logger()}, nil
}

// Dir returns the absolute plugins directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns where the plugin for bin lives.
func (m *Manager) Path(bin string) (string, error) {
	if bin == "" || bin == "." || bin == ".." || strings.ContainsAny(bin, `/\`) {
		return "", errors.Wrapf(ErrInvalidName, "%q", bin)
	}
	return filepath.Join(m.dir, bin), nil
}

// Exists reports whether an executable plugin named bin is installed.
func (m *Manager) Exists(bin string) bool {
	path, err := m.Path(bin)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && executable(info)
}

// List returns the names of the installed plugins, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read plugins directory %s", m.dir)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !executable(info) {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Install writes a plugin binary. The file is written next to its final
// location and renamed into place, so a running lookup never sees a partial
// binary.
func (m *Manager) Install(bin string, data []byte) error {
	path, err := m.Path(bin)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.dir, "."+bin+".*")
	if err != nil {
		return errors.Wrap(err, "create temporary plugin file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write plugin %s", bin)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "write plugin %s", bin)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return errors.Wrapf(err, "chmod plugin %s", bin)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "install plugin %s", bin)
	}
	m.log.Info().Str("bin", bin).Int("bytes", len(data)).Msg("plugin installed")
	return nil
}

// Check verifies the directory holds nothing but executable regular files.
// Hidden entries are skipped.
func (m *Manager) Check() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return errors.Wrapf(err, "read plugins directory %s", m.dir)
	}
	var bad []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !executable(info) {
			bad = append(bad, e.Name())
		}
	}
	if len(bad) > 0 {
		return errors.Errorf("not executable plugins in %s: %s", m.dir, strings.Join(bad, ", "))
	}
	return nil
}

func executable(info os.FileInfo) bool {
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
