// Package config はアプリケーションの設定を管理します
// デフォルト値 → 設定ファイル（YAML） → 環境変数 → コマンドラインフラグの順に上書きします
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	defaultAPIAddr         = ":8080"          // APIサーバーのデフォルトリッスンアドレス
	defaultRoomMaxAge      = 24 * time.Hour   // 空ルームの保持期間
	defaultReapInterval    = time.Hour        // 期限切れルームの掃除間隔
	defaultStatusInterval  = 15 * time.Second // Redisへのステータス書き込み間隔
	defaultShutdownTimeout = 30 * time.Second // Graceful Shutdownのタイムアウト
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"

	defaultMaxMessageBytes   = 64 * 1024 // SDPを含むシグナリングメッセージに十分なサイズ
	defaultMessagesPerSecond = 50
	defaultMessageBurst      = 100
	defaultSendQueueSize     = 256
)

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr         string          `yaml:"api_addr"`         // APIサーバーのリッスンアドレス
	AllowedOrigin   []string        `yaml:"allowed_origins"`  // CORSで許可するオリジン一覧（空ならリクエスト元を許可）
	RedisAddr       string          `yaml:"redis_addr"`       // ステータス共有用Redis（空なら無効）
	RoomMaxAge      time.Duration   `yaml:"room_max_age"`     // 空ルームの保持期間
	ReapInterval    time.Duration   `yaml:"reap_interval"`    // 掃除の実行間隔
	StatusInterval  time.Duration   `yaml:"status_interval"`  // ステータス書き込み間隔
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"` // 終了待ちのタイムアウト
	LogLevel        string          `yaml:"log_level"`        // debug / info / warn / error
	LogFormat       string          `yaml:"log_format"`       // json / console
	WebSocket       WebSocketConfig `yaml:"websocket"`
	ICE             ICEConfig       `yaml:"ice"`

	ICEServers []webrtc.ICEServer `yaml:"-"` // ICEから組み立てたクライアント向けICEサーバー
	Warnings   []string           `yaml:"-"` // 読み込み時に無視した不正な値
}

// WebSocketConfig は接続ごとの制限を保持します
type WebSocketConfig struct {
	MaxMessageBytes   int64   `yaml:"max_message_bytes"`   // 受信メッセージの最大サイズ
	MessagesPerSecond float64 `yaml:"messages_per_second"` // 受信レート上限
	MessageBurst      int     `yaml:"message_burst"`       // 受信バースト上限
	SendQueueSize     int     `yaml:"send_queue_size"`     // 送信キューの長さ
}

// Default はデフォルト値の設定を返します
func Default() Config {
	return Config{
		APIAddr:         defaultAPIAddr,
		RoomMaxAge:      defaultRoomMaxAge,
		ReapInterval:    defaultReapInterval,
		StatusInterval:  defaultStatusInterval,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		WebSocket: WebSocketConfig{
			MaxMessageBytes:   defaultMaxMessageBytes,
			MessagesPerSecond: defaultMessagesPerSecond,
			MessageBurst:      defaultMessageBurst,
			SendQueueSize:     defaultSendQueueSize,
		},
	}
}

// RegisterFlags はコマンドラインフラグを登録します
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML config file (env CONFIG_FILE)")
	fs.String("addr", d.APIAddr, "listen address (env API_ADDR, PORT)")
	fs.StringSlice("allowed-origins", nil, "CORS allowed origins; empty reflects the request origin (env CORS_ALLOWED_ORIGINS)")
	fs.String("redis-addr", "", "redis address for the cluster status mirror (env REDIS_ADDR)")
	fs.Duration("room-max-age", d.RoomMaxAge, "retention window for empty rooms (env ROOM_MAX_AGE)")
	fs.Duration("reap-interval", d.ReapInterval, "how often expired rooms are swept (env REAP_INTERVAL)")
	fs.Duration("status-interval", d.StatusInterval, "how often status is published to redis (env STATUS_INTERVAL)")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "graceful shutdown timeout (env SHUTDOWN_TIMEOUT)")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error (env LOG_LEVEL)")
	fs.String("log-format", d.LogFormat, "json or console (env LOG_FORMAT)")
	fs.Int64("ws-max-message-bytes", d.WebSocket.MaxMessageBytes, "maximum inbound websocket message size (env WS_MAX_MESSAGE_BYTES)")
	fs.Float64("ws-messages-per-second", d.WebSocket.MessagesPerSecond, "per-connection inbound message rate (env WS_MESSAGES_PER_SECOND)")
	fs.Int("ws-message-burst", d.WebSocket.MessageBurst, "per-connection inbound burst (env WS_MESSAGE_BURST)")
	fs.StringSlice("stun-urls", nil, "STUN urls offered to clients (env STUN_URLS)")
}

// Load は設定を読み込み、検証します
// fsはRegisterFlagsで登録済みかつParse済みのフラグセットです（nil可）
func Load(fs *pflag.FlagSet) (Config, error) {
	cfg := Default()

	path := envOr("CONFIG_FILE", "")
	if fs != nil && fs.Changed("config") {
		path, _ = fs.GetString("config")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if fs != nil {
		if err := applyFlags(fs, &cfg); err != nil {
			return Config{}, err
		}
	}

	servers, err := cfg.ICE.Servers()
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = servers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile はYAMLファイルの値で設定を上書きします
func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	w := &cfg.Warnings
	if port := os.Getenv("PORT"); port != "" {
		cfg.APIAddr = ":" + port
	}
	cfg.APIAddr = envOr("API_ADDR", cfg.APIAddr)
	cfg.AllowedOrigin = envCSV("CORS_ALLOWED_ORIGINS", cfg.AllowedOrigin)
	cfg.RedisAddr = envOr("REDIS_ADDR", cfg.RedisAddr)
	cfg.RoomMaxAge = envDuration("ROOM_MAX_AGE", cfg.RoomMaxAge, w)
	cfg.ReapInterval = envDuration("REAP_INTERVAL", cfg.ReapInterval, w)
	cfg.StatusInterval = envDuration("STATUS_INTERVAL", cfg.StatusInterval, w)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout, w)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.WebSocket.MaxMessageBytes = int64(envInt("WS_MAX_MESSAGE_BYTES", int(cfg.WebSocket.MaxMessageBytes), w))
	cfg.WebSocket.MessagesPerSecond = envFloat("WS_MESSAGES_PER_SECOND", cfg.WebSocket.MessagesPerSecond, w)
	cfg.WebSocket.MessageBurst = envInt("WS_MESSAGE_BURST", cfg.WebSocket.MessageBurst, w)
	cfg.WebSocket.SendQueueSize = envInt("WS_SEND_QUEUE_SIZE", cfg.WebSocket.SendQueueSize, w)
	cfg.ICE.ServersJSON = envOr("ICE_SERVERS_JSON", cfg.ICE.ServersJSON)
	cfg.ICE.STUNURLs = envCSV("STUN_URLS", cfg.ICE.STUNURLs)
	cfg.ICE.TURNURLs = envCSV("TURN_URLS", cfg.ICE.TURNURLs)
	cfg.ICE.TURNUsername = envOr("TURN_USERNAME", cfg.ICE.TURNUsername)
	cfg.ICE.TURNCredential = envOr("TURN_CREDENTIAL", cfg.ICE.TURNCredential)
}

// applyFlags は明示的に指定されたフラグのみ反映します
func applyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var errs []error
	changed := func(name string) bool { return fs.Lookup(name) != nil && fs.Changed(name) }
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if changed("addr") {
		v, err := fs.GetString("addr")
		collect(err)
		cfg.APIAddr = v
	}
	if changed("allowed-origins") {
		v, err := fs.GetStringSlice("allowed-origins")
		collect(err)
		cfg.AllowedOrigin = v
	}
	if changed("redis-addr") {
		v, err := fs.GetString("redis-addr")
		collect(err)
		cfg.RedisAddr = v
	}
	for name, dst := range map[string]*time.Duration{
		"room-max-age":     &cfg.RoomMaxAge,
		"reap-interval":    &cfg.ReapInterval,
		"status-interval":  &cfg.StatusInterval,
		"shutdown-timeout": &cfg.ShutdownTimeout,
	} {
		if changed(name) {
			v, err := fs.GetDuration(name)
			collect(err)
			*dst = v
		}
	}
	if changed("log-level") {
		v, err := fs.GetString("log-level")
		collect(err)
		cfg.LogLevel = v
	}
	if changed("log-format") {
		v, err := fs.GetString("log-format")
		collect(err)
		cfg.LogFormat = v
	}
	if changed("ws-max-message-bytes") {
		v, err := fs.GetInt64("ws-max-message-bytes")
		collect(err)
		cfg.WebSocket.MaxMessageBytes = v
	}
	if changed("ws-messages-per-second") {
		v, err := fs.GetFloat64("ws-messages-per-second")
		collect(err)
		cfg.WebSocket.MessagesPerSecond = v
	}
	if changed("ws-message-burst") {
		v, err := fs.GetInt("ws-message-burst")
		collect(err)
		cfg.WebSocket.MessageBurst = v
	}
	if changed("stun-urls") {
		v, err := fs.GetStringSlice("stun-urls")
		collect(err)
		cfg.ICE.STUNURLs = v
	}
	return errors.Join(errs...)
}

// Validate は設定値の整合性を検証します
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIAddr) == "" {
		errs = append(errs, errors.New("api_addr must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"room_max_age":     c.RoomMaxAge,
		"reap_interval":    c.ReapInterval,
		"status_interval":  c.StatusInterval,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("websocket.max_message_bytes must be positive"))
	}
	if c.WebSocket.MessagesPerSecond <= 0 {
		errs = append(errs, errors.New("websocket.messages_per_second must be positive"))
	}
	if c.WebSocket.MessageBurst < 1 {
		errs = append(errs, errors.New("websocket.message_burst must be at least 1"))
	}
	if c.WebSocket.SendQueueSize < 1 {
		errs = append(errs, errors.New("websocket.send_queue_size must be at least 1"))
	}
	return errors.Join(errs...)
}

// AllowsAnyOrigin はリクエスト元のオリジンをそのまま許可するかを返します
func (c Config) AllowsAnyOrigin() bool {
	if len(c.AllowedOrigin) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigin {
		if o == "*" {
			return true
		}
	}
	return false
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int, warnings *[]string) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("invalid %s=%s, fallback to default (%d)", key, v, def))
			return def
		}
		return i
	}
	return def
}

func envFloat(key string, def float64, warnings *[]string) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("invalid %s=%s, fallback to default (%g)", key, v, def))
			return def
		}
		return f
	}
	return def
}

// envDuration は "24h" 形式の期間を取得します
func envDuration(key string, def time.Duration, warnings *[]string) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("invalid %s=%s, fallback to default (%s)", key, v, def))
			return def
		}
		return d
	}
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		if out := splitCSV(v); len(out) > 0 {
			return out
		}
	}
	return def
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
