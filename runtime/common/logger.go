package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Named logger factory
// --------------------------------------------------------------------------

var root = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}()

// GetLogger returns a logger tagged with the given package name.
// All loggers share the process-wide level set by InitLoggers.
func GetLogger(pkgName string) *logrus.Entry {
	return root.WithField("pkg", pkgName)
}

// InitLoggers sets the process-wide log level from the configuration.
func InitLoggers(config ServerConfig) {
	root.SetLevel(parseLogLevel(config.LogLevel))
}

// parseLogLevel converts a string level to a logrus level.
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warning", "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}
