// Package logger настраивает глобальный zap-логгер бинарников mtclient и mtserver.
// Уровень меняется на лету через zap.AtomicLevel; вывод можно перенаправить
// (например, в буферы readline) и продублировать в ротируемый файл lumberjack.
// Пакеты движка глобальный логгер не используют: им передают *zap.Logger
// через опции, обычно Logger().Named(...).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu sync.Mutex
	// log: текущий экземпляр; пересобирается при смене настроек.
	log      *zap.Logger
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	stdout   = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderr   = zapcore.Lock(zapcore.AddSync(os.Stderr))
	// file: необязательный файловый приёмник со своим уровнем.
	file      *lumberjack.Logger
	fileLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
)

// FileOptions описывает файловый лог.
type FileOptions struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

// В файл пишем JSON без цветов: его читают машины.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}

// rebuildLocked собирает логгер заново. Вызывается под mu.
func rebuildLocked() {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), stdout, logLevel)
	if file != nil {
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.AddSync(file), fileLevel)
		core = zapcore.NewTee(core, fileCore)
	}
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.ErrorOutput(stderr))
}

// ParseLevel переводит debug|info|warn|error в уровень zap; прочее, info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init задаёт уровень консольного вывода и пересобирает логгер.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	logLevel.SetLevel(ParseLevel(level))
	rebuildLocked()
}

// SetLevel меняет уровень без пересборки.
func SetLevel(level string) {
	logLevel.SetLevel(ParseLevel(level))
}

// EnableFile включает дублирование в ротируемый файл. Пустой Path выключает его.
func EnableFile(opts FileOptions) {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}
	if opts.Path != "" {
		file = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		fileLevel.SetLevel(ParseLevel(opts.Level))
	}
	rebuildLocked()
}

// SetWriters перенаправляет консольный вывод; nil возвращает os.Stdout/os.Stderr.
func SetWriters(out, errOut io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	stdout = zapcore.Lock(zapcore.AddSync(out))
	stderr = zapcore.Lock(zapcore.AddSync(errOut))
	rebuildLocked()
}

// Logger возвращает текущий логгер.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		rebuildLocked()
	}
	return log
}

// Named: логгер подсистемы.
func Named(name string) *zap.Logger { return Logger().Named(name) }

// Sync сбрасывает буферы; вызывать перед выходом.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		_ = log.Sync()
	}
	if file != nil {
		_ = file.Close()
	}
}

func IsDebugEnabled() bool { return logLevel.Enabled(zap.DebugLevel) }

// Пакетные функции пропускают свой кадр при выводе caller.
func caller() *zap.Logger { return Logger().WithOptions(zap.AddCallerSkip(1)) }

func Debug(msg string, fields ...zap.Field) { caller().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { caller().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { caller().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { caller().Error(msg, fields...) }

// Fatal пишет сообщение, сбрасывает буферы и завершает процесс.
func Fatal(msg string, fields ...zap.Field) {
	caller().Error(msg, fields...)
	Sync()
	os.Exit(1)
}

func Debugf(format string, a ...any) { caller().Debug(fmt.Sprintf(format, a...)) }
func Infof(format string, a ...any)  { caller().Info(fmt.Sprintf(format, a...)) }
func Warnf(format string, a ...any)  { caller().Warn(fmt.Sprintf(format, a...)) }
func Errorf(format string, a ...any) { caller().Error(fmt.Sprintf(format, a...)) }
