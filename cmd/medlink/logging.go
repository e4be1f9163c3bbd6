package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// parseLogLevel maps the levels accepted by --log-level and the config file's
// log_level key. Trace and fatal stay unexposed.
func parseLogLevel(s string) (logrus.Level, error) {
	switch s {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
}

// configureLogger builds the command's logger. The --log-level flag wins,
// then --verbose, then the config file's log_level; commands that run without
// a config pass an empty fallback and get a silent logger.
func configureLogger(cmd *cobra.Command, configLevel string) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")
	switch {
	case logLevelStr != "":
		level, err := parseLogLevel(logLevelStr)
		if err != nil {
			return nil, err
		}
		logLevel = level
	case verbose:
		logLevel = logrus.DebugLevel
	case configLevel != "":
		level, err := parseLogLevel(configLevel)
		if err != nil {
			return nil, fmt.Errorf("config log_level: %w", err)
		}
		logLevel = level
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
