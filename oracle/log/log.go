package log

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu        sync.RWMutex
	customLog = zap.NewNop().Sugar()
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// InitLogger writes info and debug to stdout, warnings and errors to stderr.
func InitLogger() {
	enc := zapcore.NewConsoleEncoder(encoderConfig())
	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return level.Enabled(l) && l < zapcore.WarnLevel })
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return level.Enabled(l) && l >= zapcore.WarnLevel })

	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), low),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), high),
	)

	replace(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar())
}

// ResetLogger redirects all output to a rotating file under <home>/logs.
func ResetLogger(oracleHome string) {
	if oracleHome == "" {
		osHome, err := os.UserHomeDir()
		if err != nil {
			Fatalf("Failed to get user home directory: %v", err)
		}
		oracleHome = filepath.Join(osHome, ".oracled")
	}

	dir := filepath.Join(oracleHome, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		Fatalf("Failed to create log directory %s: %v", dir, err)
	}

	path := filepath.Join(dir, "oracled.log")
	Infof("From now on, all logs will be written to %s", path)

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), sink, level)
	replace(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar())
}

// SetLevel accepts debug, info, warn or error.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

func replace(l *zap.SugaredLogger) {
	mu.Lock()
	old := customLog
	customLog = l
	mu.Unlock()
	_ = old.Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return customLog
}

// With returns a child logger carrying the given key/value pairs.
func With(kv ...any) *zap.SugaredLogger {
	return current().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(kv...)
}

func Sync() {
	_ = current().Sync()
}

func Debug(v ...any) {
	current().Debug(v...)
}

func Debugf(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(v ...any) {
	current().Info(v...)
}

func Infof(format string, v ...any) {
	current().Infof(format, v...)
}

func Warnf(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(v ...any) {
	current().Error(v...)
}

func Errorf(format string, v ...any) {
	current().Errorf(format, v...)
}

func Fatal(v ...any) {
	current().Fatal(v...)
}

func Fatalf(format string, v ...any) {
	current().Fatalf(format, v...)
}
