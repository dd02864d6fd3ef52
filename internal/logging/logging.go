// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init parses the level and routes output to a rotated file unless path is
// empty or "console".
func Init(level string, path string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Errorf("failed parsing log-level %s: %s", level, err)
		return err
	}

	if path != "" && path != "console" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		log.SetOutput(io.Writer(&lumberjack.Logger{
			Filename:   filepath.ToSlash(path),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}))
	} else {
		log.SetOutput(os.Stderr)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	log.SetLevel(lvl)
	return nil
}

// ForAttempt returns an entry tagged with the attempt id and target version.
func ForAttempt(id, version string) *log.Entry {
	return log.WithFields(log.Fields{
		"attempt": id,
		"version": version,
	})
}
