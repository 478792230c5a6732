package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
)

const (
	defaultLogFile      = "./logs/peerpay.log"
	defaultMaxSizeMB    = 50
	defaultMaxAgeDays   = 7
	defaultMaxBackups   = 5
	stdoutMirrorEnabled = "1"
)

var (
	mu     sync.RWMutex
	logger = newLogger()
)

func newLogger() *log.Logger {
	var out io.Writer = &lumberjack.Logger{
		Filename:   getLogFilename(),
		MaxSize:    envInt("LOGFILE_MAX_SIZE_MB", defaultMaxSizeMB), // megabytes
		MaxAge:     envInt("LOGFILE_MAX_AGE_DAYS", defaultMaxAgeDays),
		MaxBackups: defaultMaxBackups,
	}
	if os.Getenv("LOG_STDOUT") == stdoutMirrorEnabled {
		out = io.MultiWriter(out, os.Stdout)
	}
	return log.New(out, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

func getLogFilename() string {
	if logFile := os.Getenv("LOGFILE"); logFile != "" {
		return "./logs/" + logFile
	}
	return defaultLogFile
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// SetOutput redirects all log output, used by the CLI and by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

func printf(color, level, category string, content []interface{}) {
	message := fmt.Sprint(content...)
	coloredCategory := fmt.Sprintf("%s[%s][%s]%s", color, level, category, ColorReset)
	mu.RLock()
	defer mu.RUnlock()
	logger.Printf("%s: %s", coloredCategory, message)
}

func Info(category string, content ...interface{}) {
	printf(ColorGreen, "INFO", category, content)
}

func Error(category string, content ...interface{}) {
	printf(ColorRed, "ERROR", category, content)
}

func Warn(category string, content ...interface{}) {
	printf(ColorYellow, "WARN", category, content)
}

func Debug(category string, content ...interface{}) {
	printf(ColorBlue, "DEBUG", category, content)
}

// Errorf logs an error message and returns a formatted error
func Errorf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	Error("ERROR", err.Error())
	return err
}
