package ingest

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML
// friendly.
type FileConfig struct {
	Host           string       `toml:"host"`
	Port           int          `toml:"port"`
	Database       string       `toml:"database"`
	User           string       `toml:"user"`
	Password       string       `toml:"password"`
	MinConns       int          `toml:"min_conn"`
	MaxConns       int          `toml:"max_conn"`
	AcquireTimeout string       `toml:"acquire_timeout"`
	Entities       []FileEntity `toml:"entity"`
}

// FileEntity is one [[entity]] block in the config file.
type FileEntity struct {
	Name     string `toml:"name"`
	WatchDir string `toml:"watch_dir"`
	Pattern  string `toml:"pattern"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.ingestd/config.toml if the user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".ingestd", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map). Entity
// blocks are taken wholesale when no entity was set via flags.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("db-host", fc.Host, &cfg.Host)
	s.setString("db-name", fc.Database, &cfg.Database)
	s.setString("db-user", fc.User, &cfg.User)
	s.setString("db-password", fc.Password, &cfg.Password)

	s.setInt("db-port", fc.Port, &cfg.Port)
	s.setInt("min-conn", fc.MinConns, &cfg.MinConns)
	s.setInt("max-conn", fc.MaxConns, &cfg.MaxConns)

	if err := s.setDuration("acquire-timeout", fc.AcquireTimeout, &cfg.AcquireTimeout); err != nil {
		return err
	}

	if len(fc.Entities) > 0 && !changed["entity"] && !changed["watch-dir"] {
		cfg.Entities = cfg.Entities[:0]
		for _, fe := range fc.Entities {
			cfg.Entities = append(cfg.Entities, EntityWatch{
				Name:     fe.Name,
				WatchDir: fe.WatchDir,
				Pattern:  fe.Pattern,
			})
		}
	}

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
