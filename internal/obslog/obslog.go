// Package obslog is the gateway's structured-log-sink collaborator
// (spec.md §6), a thin wrapper over logrus matching the field
// conventions of services/api-gateway/internal/middleware.RequestLogger.
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Sink is the collaborator interface components depend on: a single
// structured event call, never a bag of ad-hoc Printf calls.
type Sink interface {
	Event(level logrus.Level, requestID string, fields logrus.Fields, msg string)
}

type logrusSink struct {
	log *logrus.Logger
}

// New builds the production logrus-backed sink. debug controls the
// minimum level (DebugLevel in development, InfoLevel otherwise),
// matching main.go's cfg.Environment switch in the teacher.
func New(debug bool) Sink {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &logrusSink{log: l}
}

func (s *logrusSink) Event(level logrus.Level, requestID string, fields logrus.Fields, msg string) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	entry := s.log.WithFields(fields)
	switch level {
	case logrus.DebugLevel:
		entry.Debug(msg)
	case logrus.WarnLevel:
		entry.Warn(msg)
	case logrus.ErrorLevel:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}
