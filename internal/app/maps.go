package app

import (
	"fmt"
	"strings"
	"time"

	"notibridge/internal/config"
	"notibridge/internal/observability/pprof"
	"notibridge/internal/platform/spool"
	"notibridge/internal/publish"
	"notibridge/internal/schedule"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSpoolConfig(cfg *config.Config) (spool.Config, error) {
	pc := cfg.Platform
	if d := strings.ToLower(strings.TrimSpace(pc.Driver)); d != "" && d != "spool" {
		return spool.Config{}, fmt.Errorf("unknown platform.driver: %s", pc.Driver)
	}
	debounce, err := config.ParseDurationOrDefault("platform.debounce", pc.Debounce, 150*time.Millisecond)
	if err != nil {
		return spool.Config{}, err
	}
	return spool.Config{Dir: pc.Dir, SDKVersion: pc.SDKVersion, Debounce: debounce}, nil
}

func mapIconCacheTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("assets.icon_cache_ttl", cfg.Assets.IconCacheTTL)
}

func mapDispatcherConfig(cfg *config.Config) (publish.Config, error) {
	pc := cfg.Publisher
	timeout, err := config.ParseDurationOrDefault("publisher.sink_timeout", pc.SinkTimeout, 10*time.Second)
	if err != nil {
		return publish.Config{}, err
	}
	return publish.Config{
		Workers:     pc.Workers,
		QueueSize:   pc.QueueSize,
		RatePerSec:  pc.RatePerSec,
		SinkTimeout: timeout,
	}, nil
}

// mapTelegramConfig reports false when the sink is absent or disabled.
func mapTelegramConfig(cfg *config.Config) (publish.TelegramConfig, bool) {
	tc := cfg.Publisher.Telegram
	if tc == nil || !tc.Enabled {
		return publish.TelegramConfig{}, false
	}
	return publish.TelegramConfig{
		Token:            strings.TrimSpace(tc.Token),
		ChatID:           tc.ChatID,
		ThreadID:         tc.ThreadID,
		SendImages:       tc.SendImages,
		IncludeSnapshots: tc.IncludeSnapshots,
		IncludeRemovals:  tc.IncludeRemovals,
	}, true
}

func mapMQTTConfig(cfg *config.Config) (publish.MQTTConfig, bool) {
	mc := cfg.Publisher.MQTT
	if mc == nil || !mc.Enabled {
		return publish.MQTTConfig{}, false
	}
	return publish.MQTTConfig{
		Broker:      strings.TrimSpace(mc.Broker),
		ClientID:    mc.ClientID,
		Username:    mc.Username,
		Password:    mc.Password,
		TopicPrefix: mc.TopicPrefix,
		QoS:         byte(mc.QoS),
		Retain:      mc.Retain,
		KeepImages:  mc.KeepImages,
	}, true
}

func mapResyncConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{Schedule: cfg.Snapshot.Schedule, Timezone: cfg.Snapshot.Timezone}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}
