package store

import "codeberg.org/mutker/pvctl/internal/errors"

const (
	// File system permissions and paths
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/pvctl/pvctl.db"
	defaultBackupDir = "/var/lib/pvctl/backups"
)

type Config struct {
	DBPath          string
	BackupDir       string
	BackupOnMigrate bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BackupDir:       defaultBackupDir,
		BackupOnMigrate: true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BackupOnMigrate && c.BackupDir == "" {
		return errFactory.WithMessage(ErrInvalidConfig, "backup directory is required when backups are enabled")
	}
	return nil
}
