package ingest

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// EntityWatch binds one configured entity to the directory tree watched for
// its extract files.
type EntityWatch struct {
	Name     string
	WatchDir string
	Pattern  string
}

// Config holds the daemon configuration: store connection settings, pool
// sizing and the entities to watch.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// MinConns is the number of warm connections kept by the underlying pool.
	MinConns int
	// MaxConns is the hard ceiling on connections handed out concurrently.
	MaxConns int
	// AcquireTimeout bounds how long a caller may wait for a connection.
	// Zero means wait indefinitely.
	AcquireTimeout time.Duration

	Entities []EntityWatch
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		MinConns: 1,
		MaxConns: 5,
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.MinConns <= 0 {
		return fmt.Errorf("min connections must be positive")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections (%d) exceeds max (%d)", c.MinConns, c.MaxConns)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire timeout must not be negative")
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("at least one entity is required")
	}

	for i := range c.Entities {
		ew := &c.Entities[i]
		if _, err := EntityByName(ew.Name); err != nil {
			return err
		}
		if ew.WatchDir == "" {
			return fmt.Errorf("watch dir is required for entity %q", ew.Name)
		}
		if ew.Pattern == "" {
			ew.Pattern = DefaultFilePattern
		}
		if _, err := filepath.Match(ew.Pattern, "probe"); err != nil {
			return fmt.Errorf("file pattern %q for entity %q: %w", ew.Pattern, ew.Name, err)
		}
	}
	return nil
}

// configSetter helps apply configuration values while respecting flag
// precedence. It only applies values if the corresponding flag hasn't been
// explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not
// changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}
