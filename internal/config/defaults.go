package config

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Protection: ProtectionConfig{
			Mode:                      ModeEnabled,
			RequireStatefulBounces:    true,
			GracePeriodSeconds:        3600,
			ActivationLifetimeSeconds: 3888000, // 45 days
			PurgeIntervalSeconds:      3600,
			ClientBounceDetectionMS:   0,
			ReduceToSite:              true,
			ExceptionHosts:            DefaultExceptionHosts(),
			RecentlyPurgedLimit:       100,
		},
		Storage: StorageConfig{
			Path:              "~/.config/bounceguard",
			SQLiteFile:        "bounceguard.db",
			SQLiteJournalMode: "wal",
		},
		Logging: LoggingConfig{
			Level:    "info",
			File:     "bounceguard.log",
			AuditLog: true,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8731,
			AuthToken:      "",
			MaxRequestSize: 1048576,
		},
		Clearer: ClearerConfig{
			Endpoint:       "",
			MaxRetries:     3,
			TimeoutSeconds: 10,
		},
	}
}
