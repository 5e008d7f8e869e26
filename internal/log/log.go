// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package log configures the process-wide logrus logger.
package log

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Levels accepted by SetLogger.
var Levels = []string{"trace", "debug", "info", "warn", "error"}

// SetLogger sets the standard logger's level and formatter. Unknown levels
// fall back to error.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(ParseLevel(level))
}

// ParseLevel maps a level name to its logrus level.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// ValidLevel reports whether level is one of Levels.
func ValidLevel(level string) bool {
	for _, l := range Levels {
		if strings.EqualFold(l, level) {
			return true
		}
	}
	return false
}
