package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. LOG_PATH routes output through a
// rotating file; the returned closer flushes it.
func newLogger(cfg config) (*log.Logger, io.Closer, error) {
	logger := log.New()
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if cfg.Debug {
		level = log.DebugLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	var closer io.Closer = nopCloser{}
	if cfg.LogPath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
		closer = rotator
	}

	log.SetLevel(level)
	log.SetFormatter(logger.Formatter)
	log.SetOutput(logger.Out)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
