package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"board-sync/engine"
	"board-sync/storage"
)

const (
	transportRedis     = "redis"
	transportWebSocket = "websocket"
)

type config struct {
	port      string
	debug     bool
	logFormat string
	logFile   string

	engine         engine.Config
	cacheTTL       time.Duration
	transport      string
	eventsWSURL    string
	subscribeRetry time.Duration
	redisConn      string

	storageConn  string
	boardsTable  string
	columnsTable string
	tasksTable   string
	commandQueue string
	provision    bool

	authTestMode  bool
	auth0Domain   string
	auth0Audience string
}

// loadConfig reads the service configuration from the environment.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		port:          "8080",
		logFormat:     getenv("LOG_FORMAT"),
		logFile:       getenv("LOG_FILE"),
		transport:     transportRedis,
		eventsWSURL:   getenv("EVENTS_WS_URL"),
		redisConn:     getenv("REDIS_CONNECTION_STRING"),
		storageConn:   getenv("STORAGE_CONNECTION_STRING"),
		boardsTable:   getenv("BOARDS_TABLE"),
		columnsTable:  getenv("COLUMNS_TABLE"),
		tasksTable:    getenv("TASKS_TABLE"),
		commandQueue:  getenv("COMMAND_QUEUE"),
		authTestMode:  getenv("AUTH0_TEST_MODE") == "1",
		auth0Domain:   getenv("AUTH0_DOMAIN"),
		auth0Audience: getenv("AUTH0_AUDIENCE"),
	}
	if v := getenv("BOARD_SYNC_PORT"); v != "" {
		cfg.port = v
	}
	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil {
		cfg.debug = dbg
	}
	if p, err := strconv.ParseBool(getenv("PROVISION_STORAGE")); err == nil {
		cfg.provision = p
	}

	var err error
	durations := []struct {
		name string
		dst  *time.Duration
		def  time.Duration
	}{
		{"POLL_INTERVAL", &cfg.engine.PollInterval, 5 * time.Second},
		{"MOVE_SUPPRESSION_WINDOW", &cfg.engine.MoveSuppressionWindow, 2 * time.Second},
		{"MOVE_COALESCE_DELAY", &cfg.engine.CoalesceDelay, 200 * time.Millisecond},
		{"REORDER_SUPPRESSION_WINDOW", &cfg.engine.ReorderSuppressionWindow, 2 * time.Second},
		{"SNAPSHOT_CACHE_TTL", &cfg.cacheTTL, storage.DefaultCacheTTL},
		{"SUBSCRIBE_RETRY_DELAY", &cfg.subscribeRetry, time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(getenv(d.name), d.def); err != nil {
			return config{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	if v := strings.ToLower(getenv("EVENT_TRANSPORT")); v != "" {
		cfg.transport = v
	}
	switch cfg.transport {
	case transportRedis:
	case transportWebSocket:
		if cfg.eventsWSURL == "" {
			return config{}, errors.New("missing EVENTS_WS_URL for websocket transport")
		}
	default:
		return config{}, fmt.Errorf("unsupported EVENT_TRANSPORT %q", cfg.transport)
	}

	if cfg.storageConn == "" || cfg.boardsTable == "" || cfg.columnsTable == "" || cfg.tasksTable == "" || cfg.commandQueue == "" {
		return config{}, errors.New("missing storage config")
	}
	if cfg.redisConn == "" {
		return config{}, errors.New("missing redis config")
	}
	if !cfg.authTestMode && (cfg.auth0Domain == "" || cfg.auth0Audience == "") {
		return config{}, errors.New("missing Auth0 config")
	}
	return cfg, nil
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be greater than zero")
	}
	return d, nil
}

// parseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// newLogger builds the service logger. LOG_FILE adds a rotating file next to
// stderr.
func newLogger(cfg config) *log.Logger {
	logger := log.New()
	if cfg.debug {
		logger.SetLevel(log.DebugLevel)
	}
	if strings.EqualFold(cfg.logFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if cfg.logFile != "" {
		logger.AddHook(&fileHook{
			writer: &lumberjack.Logger{
				Filename:   cfg.logFile,
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     14,
				Compress:   true,
			},
			formatter: &log.JSONFormatter{},
		})
	}
	return logger
}

// fileHook mirrors every entry into a rotating log file as JSON.
type fileHook struct {
	writer    *lumberjack.Logger
	formatter log.Formatter
}

func (h *fileHook) Levels() []log.Level { return log.AllLevels }

func (h *fileHook) Fire(entry *log.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
