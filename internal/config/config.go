package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "SIGNAL_RELAY_LISTEN_ADDR"
	envVarSignalPath      = "SIGNAL_RELAY_PATH"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "SIGNAL_RELAY_MODE"

	// Session authentication.
	envVarAuthMode          = "AUTH_MODE"
	envVarSessionCookieName = "SESSION_COOKIE_NAME"
	envVarJWTSecret         = "JWT_SECRET"
	envVarStaticSessions    = "STATIC_SESSIONS"
	envVarRedisAddr         = "REDIS_ADDR"
	envVarRedisPassword     = "REDIS_PASSWORD"
	envVarRedisDB           = "REDIS_DB"

	// Inbound signaling hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingPingInterval         = "SIGNALING_PING_INTERVAL"
	envVarSignalingIdleTimeout          = "SIGNALING_IDLE_TIMEOUT"

	// Client-side knobs.
	envVarReconnectDelay = "RECONNECT_DELAY"

	// Ephemeral TURN credentials served alongside the ICE config.
	envVarTURNRESTSecret         = "TURN_REST_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr           = "127.0.0.1:3000"
	DefaultSignalPath           = "/ss"
	DefaultShutdown             = 15 * time.Second
	DefaultSessionCookie        = "session"
	DefaultReconnectDelay       = 1 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultTURNRESTTTL          = time.Hour
	DefaultTURNRESTPrefix       = "relay"

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	// AuthModeStatic maps fixed cookie values to identities. Dev/test only.
	AuthModeStatic AuthMode = "static"
	// AuthModeCookieJWT verifies an HS256 JWT carried in the session cookie.
	AuthModeCookieJWT AuthMode = "cookie-jwt"
	// AuthModeRedis resolves the session cookie against a Redis session store.
	AuthModeRedis AuthMode = "redis"
)

// Config holds the process-wide runtime configuration for the signal relay.
type Config struct {
	ListenAddr      string
	SignalPath      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	AuthMode          AuthMode
	SessionCookieName string
	JWTSecret         string
	// StaticSessions is a comma-separated cookie=userID:username list used by
	// AUTH_MODE=static.
	StaticSessions string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingPingInterval         time.Duration
	SignalingIdleTimeout          time.Duration

	ReconnectDelay time.Duration

	// TURNRESTSecret enables ephemeral TURN credential minting on the ICE
	// config endpoint when non-empty.
	TURNRESTSecret         string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	signalPath := envOrDefault(lookup, envVarSignalPath, DefaultSignalPath)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatStr := envOrDefault(lookup, envVarLogFormat, "")
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeStatic))
	sessionCookie := envOrDefault(lookup, envVarSessionCookieName, DefaultSessionCookie)
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	staticSessions := envOrDefault(lookup, envVarStaticSessions, "")
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "127.0.0.1:6379")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")

	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&signalPath, "signal-path", signalPath, "WebSocket upgrade path served by the relay (env "+envVarSignalPath+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Session auth mode: static, cookie-jwt or redis (env "+envVarAuthMode+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeCookieJWT && jwtSecret == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeCookieJWT)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingIdleTimeout, DefaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	reconnectDelay, err := envDurationOrDefault(lookup, envVarReconnectDelay, DefaultReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	turnSecret := envOrDefault(lookup, envVarTURNRESTSecret, "")
	turnTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	turnPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTPrefix)
	if turnSecret != "" && turnTTL <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarTURNRESTTTL)
	}

	if !strings.HasPrefix(signalPath, "/") {
		return Config{}, fmt.Errorf("invalid %s %q: must start with /", envVarSignalPath, signalPath)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxSignalingMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxSignalingMessagesPerSecond)
	}
	if reconnectDelay <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarReconnectDelay)
	}

	return Config{
		ListenAddr:      listenAddr,
		SignalPath:      signalPath,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(allowedOriginsStr),

		AuthMode:          authMode,
		SessionCookieName: sessionCookie,
		JWTSecret:         jwtSecret,
		StaticSessions:    staticSessions,
		RedisAddr:         redisAddr,
		RedisPassword:     redisPassword,
		RedisDB:           redisDB,

		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingPingInterval:         pingInterval,
		SignalingIdleTimeout:          idleTimeout,

		ReconnectDelay: reconnectDelay,

		TURNRESTSecret:         turnSecret,
		TURNRESTTTL:            turnTTL,
		TURNRESTUsernamePrefix: turnPrefix,
	}, nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid %s %q: expected dev or prod", envVarMode, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q: expected text or json", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q: expected debug, info, warn or error", envVarLogLevel, raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeStatic):
		return AuthModeStatic, nil
	case string(AuthModeCookieJWT):
		return AuthModeCookieJWT, nil
	case string(AuthModeRedis):
		return AuthModeRedis, nil
	default:
		return "", fmt.Errorf("invalid %s %q: expected static, cookie-jwt or redis", envVarAuthMode, raw)
	}
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

// NewLogger constructs the process logger from the configured format/level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
