// Package logs configures the process-wide logrus logger from command line
// flags. Packages log through logrus.StandardLogger unless they were handed a
// dedicated logger.
package logs

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var (
	// LogLevel is the minimum severity that will be emitted.
	LogLevel = "info"
	// LogFormat selects between "text" and "json" output.
	LogFormat = "text"
)

// AddFlags adds log related flags to the supplied flag set.
func AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&LogLevel,
		"log-level",
		LogLevel,
		"Log level, one of: trace, debug, info, warn, error.",
	)
	fs.StringVar(
		&LogFormat,
		"log-format",
		LogFormat,
		"Log output format, one of: text, json.",
	)
}

// Initialize applies the flag values to the standard logger. Call it once,
// after flags have been parsed.
func Initialize() {
	level, err := logrus.ParseLevel(LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		logrus.WithField("log-level", LogLevel).Warn("unrecognized log level, using info")
	}
	logrus.SetLevel(level)

	if LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
