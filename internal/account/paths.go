package account

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tgcrm, or $TGCRM_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("TGCRM_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tgcrm")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// SocketPath returns the control socket path for an account.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for an account.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the SQLite mirror database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "tgcrm.db")
}

// BlobDir returns the local attachment store used when no object storage
// endpoint is configured.
func BlobDir(name string) string {
	return filepath.Join(Dir(name), "blobs")
}

// SettingsPath returns the per-account daemon settings file.
func SettingsPath(name string) string {
	return filepath.Join(Dir(name), "tgcrm.toml")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "tgcrmd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
