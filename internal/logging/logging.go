package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logger with the requested output format,
// "json" for structured output or anything else for plain text.
func NewLogger(format string) *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger
}
