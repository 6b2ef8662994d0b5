package daemon

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ConfigureLogging sets up the process-wide logrus logger. With a log file
// the output rotates through lumberjack; the returned closer flushes it.
func ConfigureLogging(logFile string, verbose bool) io.Closer {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if verbose || debugFromEnv() {
		log.SetLevel(log.DebugLevel)
	}

	if path := strings.TrimSpace(logFile); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
			Compress:   true,
		}
		log.SetOutput(rotator)
		return rotator
	}
	log.SetOutput(os.Stderr)
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func debugFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CLIPROXYMON_DEBUG"))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
