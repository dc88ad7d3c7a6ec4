package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var levels = map[string]logrus.Level{
	"DEBUG":    logrus.DebugLevel,
	"INFO":     logrus.InfoLevel,
	"WARNING":  logrus.WarnLevel,
	"ERROR":    logrus.ErrorLevel,
	"CRITICAL": logrus.FatalLevel,
}

// ParseLevel maps a configured level name to a logrus level
func ParseLevel(name string) (logrus.Level, error) {
	level, ok := levels[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging configures the standard logrus logger. The returned closer
// flushes the log file, if any.
func SetupLogging(c *Config) (io.Closer, error) {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.LogFile == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	file := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	logrus.SetOutput(file)
	return file, nil
}
