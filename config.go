package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"goals-sync/domain"
	"goals-sync/storage"
)

type config struct {
	Debug     bool
	LogLevel  string
	LogFormat string
	LogPath   string

	DatabasePath string
	ListenAddr   string
	DeviceID     string

	StorageConnectionString string
	Tables                  map[domain.Table]string
	NoticeQueue             string

	RedisConnectionString string
	AppGroup              string

	UserID       string
	SessionToken string

	AuthDomain   string
	AuthAudience string
	AuthSecret   string
	JWKSCacheTTL time.Duration

	SyncCooldown    time.Duration
	SyncInterval    time.Duration
	SyncDebounce    time.Duration
	RefreshDebounce time.Duration
	PollInterval    time.Duration
}

// loadConfig reads settings from the environment, after loading envFile
// when it exists. Variables already set in the environment win.
func loadConfig(envFile string) (config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DATABASE_PATH", "goals.db")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("APP_GROUP", "group.goals")
	v.SetDefault("JWKS_CACHE_TTL", "15m")
	v.SetDefault("SYNC_COOLDOWN", "5s")
	v.SetDefault("SYNC_INTERVAL", "5m")
	v.SetDefault("SYNC_DEBOUNCE", "2s")
	v.SetDefault("REFRESH_DEBOUNCE", "1s")
	v.SetDefault("POLL_INTERVAL", "1s")
	defaults := storage.DefaultTableNames()
	for table, name := range defaults {
		v.SetDefault(tableEnv(table), name)
	}

	cfg := config{
		Debug:                   v.GetBool("DEBUG"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		LogFormat:               v.GetString("LOG_FORMAT"),
		LogPath:                 v.GetString("LOG_PATH"),
		DatabasePath:            v.GetString("DATABASE_PATH"),
		ListenAddr:              v.GetString("LISTEN_ADDR"),
		DeviceID:                v.GetString("DEVICE_ID"),
		StorageConnectionString: v.GetString("STORAGE_CONNECTION_STRING"),
		NoticeQueue:             v.GetString("SYNC_NOTICE_QUEUE"),
		RedisConnectionString:   v.GetString("REDIS_CONNECTION_STRING"),
		AppGroup:                v.GetString("APP_GROUP"),
		UserID:                  v.GetString("USER_ID"),
		SessionToken:            v.GetString("SESSION_TOKEN"),
		AuthDomain:              v.GetString("AUTH0_DOMAIN"),
		AuthAudience:            v.GetString("AUTH0_AUDIENCE"),
		AuthSecret:              v.GetString("LOCAL_AUTH_SHARED_SECRET"),
		Tables:                  map[domain.Table]string{},
	}
	if port := v.GetString("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	for table := range defaults {
		cfg.Tables[table] = v.GetString(tableEnv(table))
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JWKS_CACHE_TTL", &cfg.JWKSCacheTTL},
		{"SYNC_COOLDOWN", &cfg.SyncCooldown},
		{"SYNC_INTERVAL", &cfg.SyncInterval},
		{"SYNC_DEBOUNCE", &cfg.SyncDebounce},
		{"REFRESH_DEBOUNCE", &cfg.RefreshDebounce},
		{"POLL_INTERVAL", &cfg.PollInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil || parsed <= 0 {
			return config{}, fmt.Errorf("invalid %s: %q", d.key, v.GetString(d.key))
		}
		*d.dst = parsed
	}

	if cfg.DatabasePath == "" {
		return config{}, errors.New("missing DATABASE_PATH")
	}
	if cfg.SessionToken != "" && cfg.AuthSecret == "" && cfg.AuthDomain == "" {
		return config{}, errors.New("SESSION_TOKEN requires AUTH0_DOMAIN or LOCAL_AUTH_SHARED_SECRET")
	}
	if cfg.AuthDomain != "" && cfg.AuthAudience == "" {
		return config{}, errors.New("missing AUTH0_AUDIENCE")
	}
	return cfg, nil
}

func tableEnv(t domain.Table) string {
	return strings.ToUpper(string(t)) + "_TABLE"
}

// RemoteEnabled reports whether remote sync is configured.
func (c config) RemoteEnabled() bool {
	return c.StorageConnectionString != ""
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" || strings.Contains(parts[0], "=") {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
