package ingest

import "os"

// ApplyEnvConfig applies configuration from environment variables (INGESTD_*).
// It respects flags that have been explicitly set (changed map). The entity
// variables address the first configured entity, appending one if none exists;
// multi-entity setups are a config-file concern.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("db-host", os.Getenv("INGESTD_DB_HOST"), &cfg.Host)
	s.setString("db-name", os.Getenv("INGESTD_DB_NAME"), &cfg.Database)
	s.setString("db-user", os.Getenv("INGESTD_DB_USER"), &cfg.User)
	s.setString("db-password", os.Getenv("INGESTD_DB_PASSWORD"), &cfg.Password)

	if err := s.setIntFromString("db-port", os.Getenv("INGESTD_DB_PORT"), &cfg.Port); err != nil {
		return err
	}
	if err := s.setIntFromString("min-conn", os.Getenv("INGESTD_MIN_CONN"), &cfg.MinConns); err != nil {
		return err
	}
	if err := s.setIntFromString("max-conn", os.Getenv("INGESTD_MAX_CONN"), &cfg.MaxConns); err != nil {
		return err
	}
	if err := s.setDuration("acquire-timeout", os.Getenv("INGESTD_ACQUIRE_TIMEOUT"), &cfg.AcquireTimeout); err != nil {
		return err
	}

	entity := os.Getenv("INGESTD_ENTITY")
	watchDir := os.Getenv("INGESTD_WATCH_DIR")
	pattern := os.Getenv("INGESTD_FILE_PATTERN")
	if entity != "" || watchDir != "" || pattern != "" {
		if len(cfg.Entities) == 0 {
			cfg.Entities = append(cfg.Entities, EntityWatch{})
		}
		ew := &cfg.Entities[0]
		s.setString("entity", entity, &ew.Name)
		s.setString("watch-dir", watchDir, &ew.WatchDir)
		s.setString("pattern", pattern, &ew.Pattern)
	}

	return nil
}
