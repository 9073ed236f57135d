// Package logger builds the process logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls level, format and optional rotated file output.
type Config struct {
	Level      string
	Format     string // "json" or "text"
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New returns a logger configured from cfg. An empty File logs to stdout
// only; otherwise output is teed into a lumberjack-rotated file.
func New(cfg Config) (*logrus.Logger, error) {
	l := logrus.New()

	level := strings.ToLower(cfg.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			},
		})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}
	l.SetOutput(out)
	return l, nil
}

// Component tags every entry with the emitting component.
func Component(l logrus.FieldLogger, name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
