package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DataDir               string
	DatabasePath          string
	ShopID                string
	DeviceID              string
	BackendDatabaseURL    string
	RealtimeURL           string
	RealtimeMode          string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	SyncInterval          time.Duration
	SyncTimeout           time.Duration
	RealtimeFlush         time.Duration
	InboxDir              string
	LogLevel              string
	LogFile               string
	MigrateBackend        bool
}

const (
	RealtimePG   = "pg"
	RealtimeWS   = "ws"
	RealtimeNone = "none"
)

// Load reads .env (if present), then the optional file named by
// SHOPSYNC_CONFIG, then the environment. Later sources win.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", "8787")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("REALTIME_MODE", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("SYNC_INTERVAL_SECONDS", 15)
	v.SetDefault("SYNC_TIMEOUT_SECONDS", 15)
	v.SetDefault("REALTIME_FLUSH_MS", 1000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MIGRATE_BACKEND", false)

	if file := v.GetString("SHOPSYNC_CONFIG"); file != "" {
		v.SetConfigFile(file)
		_ = v.ReadInConfig()
	}

	dataDir := v.GetString("DATA_DIR")
	dbPath := strings.TrimSpace(v.GetString("DATABASE_PATH"))
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "shopsync.db")
	}
	backendURL := strings.TrimSpace(v.GetString("BACKEND_DATABASE_URL"))
	mode := strings.ToLower(strings.TrimSpace(v.GetString("REALTIME_MODE")))
	if mode == "" {
		switch {
		case v.GetString("REALTIME_URL") != "":
			mode = RealtimeWS
		case backendURL != "":
			mode = RealtimePG
		default:
			mode = RealtimeNone
		}
	}

	return Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DataDir:               dataDir,
		DatabasePath:          dbPath,
		ShopID:                strings.TrimSpace(v.GetString("SHOP_ID")),
		DeviceID:              strings.TrimSpace(v.GetString("DEVICE_ID")),
		BackendDatabaseURL:    backendURL,
		RealtimeURL:           strings.TrimSpace(v.GetString("REALTIME_URL")),
		RealtimeMode:          mode,
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		SyncInterval:          time.Duration(positive(v.GetInt("SYNC_INTERVAL_SECONDS"), 15)) * time.Second,
		SyncTimeout:           time.Duration(positive(v.GetInt("SYNC_TIMEOUT_SECONDS"), 15)) * time.Second,
		RealtimeFlush:         time.Duration(positive(v.GetInt("REALTIME_FLUSH_MS"), 1000)) * time.Millisecond,
		InboxDir:              strings.TrimSpace(v.GetString("INBOX_DIR")),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFile:               strings.TrimSpace(v.GetString("LOG_FILE")),
		MigrateBackend:        v.GetBool("MIGRATE_BACKEND"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positive(val int, fallback int) int {
	if val < 1 {
		return fallback
	}
	return val
}
