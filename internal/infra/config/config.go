// Package config собирает настройки mtclient и mtserver из окружения.
// Переменные читаются из .env (godotenv, если файл есть) и из окружения
// процесса; некорректные значения заменяются значениями по умолчанию с
// предупреждением, которое бинарник печатает при старте.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Бэкенды хранения сессии.
const (
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
	BackendString = "string"
	BackendRedis  = "redis"
)

// ClientEnv: настройки клиента.
type ClientEnv struct {
	ServerAddr      string
	ServerPublicKey string // hex или base64 ed25519

	SessionBackend string
	SessionFile    string
	SessionString  string
	SessionKey     string // имя сессии в bolt/redis
	RedisAddr      string

	RequestTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectElapsed  time.Duration
	GapWait           time.Duration
	GapMaxBuffer      int
	ThrottleRPS       int
	DifferenceLimit   int
	FloodWaitRetries  int
	FloodWaitMaxDelay time.Duration
}

// ServerEnv: настройки mtserver.
type ServerEnv struct {
	ListenAddr   string
	WSListenAddr string
	KeyFile      string
	DBFile       string
	HistoryLimit int
	SaltRotation time.Duration
	FloodRate    float64
	FloodBurst   int
}

// LogEnv: настройки логирования, общие для обоих бинарников.
type LogEnv struct {
	Level          string
	File           string
	FileLevel      string
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int
	FileCompress   bool
}

// Config: результат загрузки.
type Config struct {
	Client   ClientEnv
	Server   ServerEnv
	Log      LogEnv
	warnings []string
}

const (
	defaultServerAddr     = "127.0.0.1:7700"
	defaultSessionBackend = BackendFile
	defaultSessionFile    = "data/session.json"
	defaultSessionKey     = "default"
	defaultRedisAddr      = "127.0.0.1:6379"
	defaultRequestMS      = 10000
	defaultReconnectMS    = 500
	defaultReconnectMaxMS = 30000
	defaultReconnectSec   = 300
	defaultGapWaitMS      = 500
	defaultGapMaxBuffer   = 1000
	defaultThrottleRPS    = 0
	defaultDiffLimit      = 100
	defaultFloodRetries   = 3
	defaultFloodMaxSec    = 60

	defaultListenAddr   = "127.0.0.1:7700"
	defaultKeyFile      = "data/server.key"
	defaultDBFile       = "data/server.db"
	defaultHistoryLimit = 1000
	defaultSaltRotSec   = 3600
	defaultFloodBurst   = 20

	defaultLogLevel       = "info"
	defaultLogFileLevel   = "debug"
	defaultLogFileSizeMB  = 50
	defaultLogFileBackups = 3
	defaultLogFileAgeDays = 7
)

var (
	mu       sync.RWMutex
	instance *Config
)

// Load читает envPath (если файл существует) и окружение процесса и
// сохраняет результат для Get/Warnings. Повторный вызов перечитывает всё.
func Load(envPath string) (*Config, error) {
	cfg, err := load(envPath)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	instance = cfg
	mu.Unlock()
	return cfg, nil
}

// Get возвращает последнюю загруженную конфигурацию (nil до Load).
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Warnings возвращает копию предупреждений загрузки.
func (c *Config) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

func load(envPath string) (*Config, error) {
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, errors.Wrapf(err, "load %s", envPath)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat %s", envPath)
		}
	}

	var w []string
	cfg := &Config{}

	cfg.Client = ClientEnv{
		ServerAddr:        stringDefault("SERVER_ADDR", defaultServerAddr, &w),
		ServerPublicKey:   strings.TrimSpace(os.Getenv("SERVER_PUBLIC_KEY")),
		SessionBackend:    sanitizeBackend(os.Getenv("SESSION_BACKEND"), &w),
		SessionFile:       stringDefault("SESSION_FILE", defaultSessionFile, &w),
		SessionString:     strings.TrimSpace(os.Getenv("SESSION_STRING")),
		SessionKey:        orDefault(os.Getenv("SESSION_KEY"), defaultSessionKey),
		RedisAddr:         orDefault(os.Getenv("REDIS_ADDR"), defaultRedisAddr),
		RequestTimeout:    millis("REQUEST_TIMEOUT_MS", defaultRequestMS, greaterThanZero, &w),
		ReconnectBase:     millis("RECONNECT_BASE_MS", defaultReconnectMS, greaterThanZero, &w),
		ReconnectMax:      millis("RECONNECT_MAX_MS", defaultReconnectMaxMS, greaterThanZero, &w),
		ReconnectElapsed:  seconds("RECONNECT_MAX_ELAPSED_SEC", defaultReconnectSec, nonNegative, &w),
		GapWait:           millis("GAP_WAIT_MS", defaultGapWaitMS, nonNegative, &w),
		GapMaxBuffer:      intDefault("GAP_MAX_BUFFER", defaultGapMaxBuffer, greaterThanZero, &w),
		ThrottleRPS:       intDefault("THROTTLE_RPS", defaultThrottleRPS, nonNegative, &w),
		DifferenceLimit:   intDefault("DIFFERENCE_LIMIT", defaultDiffLimit, greaterThanZero, &w),
		FloodWaitRetries:  intDefault("FLOOD_WAIT_RETRIES", defaultFloodRetries, nonNegative, &w),
		FloodWaitMaxDelay: seconds("FLOOD_WAIT_MAX_SEC", defaultFloodMaxSec, greaterThanZero, &w),
	}
	if cfg.Client.SessionBackend == BackendString && cfg.Client.SessionString == "" {
		return nil, errors.New("env SESSION_STRING must be set when SESSION_BACKEND=string")
	}

	cfg.Server = ServerEnv{
		ListenAddr:   stringDefault("LISTEN_ADDR", defaultListenAddr, &w),
		WSListenAddr: strings.TrimSpace(os.Getenv("WS_LISTEN_ADDR")),
		KeyFile:      stringDefault("SERVER_KEY_FILE", defaultKeyFile, &w),
		DBFile:       strings.TrimSpace(os.Getenv("SERVER_DB_FILE")),
		HistoryLimit: intDefault("HISTORY_LIMIT", defaultHistoryLimit, greaterThanZero, &w),
		SaltRotation: seconds("SALT_ROTATION_SEC", defaultSaltRotSec, nonNegative, &w),
		FloodRate:    floatDefault("FLOOD_RATE", 0, &w),
		FloodBurst:   intDefault("FLOOD_BURST", defaultFloodBurst, greaterThanZero, &w),
	}

	cfg.Log = LogEnv{
		Level:          sanitizeLogLevel("LOG_LEVEL", defaultLogLevel, &w),
		File:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		FileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", defaultLogFileLevel, &w),
		FileMaxSizeMB:  intDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileSizeMB, greaterThanZero, &w),
		FileMaxBackups: intDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileBackups, nonNegative, &w),
		FileMaxAgeDays: intDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileAgeDays, nonNegative, &w),
		FileCompress:   boolDefault("LOG_FILE_COMPRESS", true, &w),
	}

	cfg.warnings = w
	return cfg, nil
}

func warnf(w *[]string, format string, args ...any) {
	*w = append(*w, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

func stringDefault(name, def string, w *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		warnf(w, "env %s is not set; using default %q", name, def)
		return def
	}
	return v
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func intDefault(name string, def int, valid func(int) bool, w *[]string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		warnf(w, "env %s value %q is not a valid integer; using default %d", name, raw, def)
		return def
	}
	if valid != nil && !valid(v) {
		warnf(w, "env %s value %d is out of range; using default %d", name, v, def)
		return def
	}
	return v
}

func floatDefault(name string, def float64, w *[]string) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		warnf(w, "env %s value %q is not a valid non-negative number; using default %v", name, raw, def)
		return def
	}
	return v
}

func millis(name string, def int, valid func(int) bool, w *[]string) time.Duration {
	return time.Duration(intDefault(name, def, valid, w)) * time.Millisecond
}

func seconds(name string, def int, valid func(int) bool, w *[]string) time.Duration {
	return time.Duration(intDefault(name, def, valid, w)) * time.Second
}

func boolDefault(name string, def bool, w *[]string) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		warnf(w, "env %s value %q is not a valid boolean; using default %v", name, raw, def)
		return def
	}
	return v
}

func sanitizeLogLevel(name, def string, w *[]string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	lvl := strings.ToLower(raw)
	switch lvl {
	case "":
		return def
	case "debug", "info", "warn", "error":
		return lvl
	default:
		warnf(w, "env %s value %q is invalid; using default %q", name, raw, def)
		return def
	}
}

func sanitizeBackend(raw string, w *[]string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return defaultSessionBackend
	case BackendFile, BackendBolt, BackendMemory, BackendString, BackendRedis:
		return v
	default:
		warnf(w, "env SESSION_BACKEND value %q is invalid; using default %q", raw, defaultSessionBackend)
		return defaultSessionBackend
	}
}
