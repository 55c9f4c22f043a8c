package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. The level comes from the given flag value,
// falling back to the LOG_LEVEL environment variable, then to info.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	switch level {
	case "dev", "development", "debug":
		log.Level = logrus.DebugLevel
	case "warn", "warning":
		log.Level = logrus.WarnLevel
	case "error", "production", "prod":
		log.Level = logrus.ErrorLevel
	default:
		log.Level = logrus.InfoLevel
	}

	return log
}
