package config

import "time"

// ApplyDefaults fills zero values with defaults. Idempotent; safe on a
// partially specified config.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Node.Role == "" {
		cfg.Node.Role = RoleSession
	}
	if cfg.Node.IP == "" {
		cfg.Node.IP = "127.0.0.1"
	}
	if cfg.Node.DataCenter == "" {
		cfg.Node.DataCenter = "DefaultDataCenter"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.API.Port == 0 {
		cfg.API.Port = 9615
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = 10 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 10 * time.Second
	}
	if cfg.API.IdleTimeout == 0 {
		cfg.API.IdleTimeout = 60 * time.Second
	}

	if cfg.Slot.Count == 0 {
		cfg.Slot.Count = 256
	}
	if cfg.Slot.LeaderSyncSessionInterval == 0 {
		cfg.Slot.LeaderSyncSessionInterval = 6 * time.Second
	}
	if cfg.Slot.FollowerSyncLeaderInterval == 0 {
		cfg.Slot.FollowerSyncLeaderInterval = 3 * time.Second
	}
	if cfg.Slot.WatchdogTick == 0 {
		cfg.Slot.WatchdogTick = 200 * time.Millisecond
	}
	if cfg.Slot.SyncTimeout == 0 {
		cfg.Slot.SyncTimeout = 30 * time.Second
	}
	if cfg.Slot.SyncPageSize == 0 {
		cfg.Slot.SyncPageSize = 64
	}

	if cfg.Push.RetryMax == 0 {
		cfg.Push.RetryMax = 3
	}
	if cfg.Push.Expire == 0 {
		cfg.Push.Expire = 500 * time.Millisecond
	}
	if cfg.Push.WatchdogTick == 0 {
		cfg.Push.WatchdogTick = 100 * time.Millisecond
	}
	applyExecutorDefaults(&cfg.Push.Executor)

	applyExecutorDefaults(&cfg.Executors.MigrateSession)
	applyExecutorDefaults(&cfg.Executors.SyncSession)
	applyExecutorDefaults(&cfg.Executors.SyncLeader)

	if cfg.Recorder.Dir == "" {
		cfg.Recorder.Dir = "./meshreg-tables"
	}
	if cfg.Recorder.MaxFiles == 0 {
		cfg.Recorder.MaxFiles = 30
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyExecutorDefaults(e *ExecutorConfig) {
	if e.Workers == 0 {
		e.Workers = 4
	}
	if e.Queue == 0 {
		e.Queue = 128
	}
}

// GetDefaultConfig returns a complete configuration with every default
// applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
