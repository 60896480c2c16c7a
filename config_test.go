package main

import (
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"STORAGE_CONNECTION_STRING": "UseDevelopmentStorage=true",
		"BOARDS_TABLE":              "Boards",
		"COLUMNS_TABLE":             "Columns",
		"TASKS_TABLE":               "Tasks",
		"COMMAND_QUEUE":             "commands",
		"REDIS_CONNECTION_STRING":   "localhost:6379",
		"AUTH0_TEST_MODE":           "1",
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envFrom(baseEnv()))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.port != "8080" || cfg.transport != transportRedis {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.engine.PollInterval != 5*time.Second ||
		cfg.engine.MoveSuppressionWindow != 2*time.Second ||
		cfg.engine.CoalesceDelay != 200*time.Millisecond ||
		cfg.engine.ReorderSuppressionWindow != 2*time.Second {
		t.Fatalf("unexpected engine timings %+v", cfg.engine)
	}
	if cfg.cacheTTL != time.Second || cfg.subscribeRetry != time.Second {
		t.Fatalf("unexpected cache ttl %v / retry %v", cfg.cacheTTL, cfg.subscribeRetry)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	env := baseEnv()
	env["POLL_INTERVAL"] = "10s"
	env["MOVE_COALESCE_DELAY"] = "50ms"
	env["EVENT_TRANSPORT"] = "WebSocket"
	env["EVENTS_WS_URL"] = "wss://events.example.com/boards"
	env["BOARD_SYNC_PORT"] = "9090"
	env["DEBUG"] = "true"
	env["PROVISION_STORAGE"] = "1"

	cfg, err := loadConfig(envFrom(env))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.engine.PollInterval != 10*time.Second || cfg.engine.CoalesceDelay != 50*time.Millisecond {
		t.Fatalf("unexpected timings %+v", cfg.engine)
	}
	if cfg.transport != transportWebSocket || cfg.port != "9090" || !cfg.debug || !cfg.provision {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]string)
		want   string
	}{
		{"bad duration", func(m map[string]string) { m["POLL_INTERVAL"] = "soon" }, "POLL_INTERVAL"},
		{"negative duration", func(m map[string]string) { m["MOVE_SUPPRESSION_WINDOW"] = "-1s" }, "MOVE_SUPPRESSION_WINDOW"},
		{"unknown transport", func(m map[string]string) { m["EVENT_TRANSPORT"] = "carrier-pigeon" }, "EVENT_TRANSPORT"},
		{"websocket without url", func(m map[string]string) { m["EVENT_TRANSPORT"] = "websocket" }, "EVENTS_WS_URL"},
		{"missing storage", func(m map[string]string) { delete(m, "TASKS_TABLE") }, "storage"},
		{"missing redis", func(m map[string]string) { delete(m, "REDIS_CONNECTION_STRING") }, "redis"},
		{"missing auth0", func(m map[string]string) { delete(m, "AUTH0_TEST_MODE") }, "Auth0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := baseEnv()
			tc.mutate(env)
			_, err := loadConfig(envFrom(env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseRedisOptions(t *testing.T) {
	opts := parseRedisOptions("redis://:secret@cache:6380/2")
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}

	opts = parseRedisOptions("board-cache.redis.cache.windows.net:6380,password=key,ssl=True,abortConnect=False")
	if opts.Addr != "board-cache.redis.cache.windows.net:6380" || opts.Password != "key" || opts.TLSConfig == nil {
		t.Fatalf("unexpected connection string options %+v", opts)
	}
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(config{debug: true, logFormat: "json"})
	if logger.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %v", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", logger.Formatter)
	}
}

func TestFileHookWritesRotatingLog(t *testing.T) {
	path := t.TempDir() + "/board-sync.log"
	logger := newLogger(config{logFile: path})
	logger.SetOutput(&strings.Builder{})
	logger.WithField("board", "b1").Info("hello")

	hook := logger.Hooks[log.InfoLevel][0].(*fileHook)
	if err := hook.writer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	data := string(raw)
	if !strings.Contains(data, `"msg":"hello"`) || !strings.Contains(data, `"board":"b1"`) {
		t.Fatalf("unexpected log file contents %q", data)
	}
}
