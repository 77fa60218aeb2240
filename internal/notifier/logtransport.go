package notifier

import (
	"context"
	"strings"

	logx "planpal/pkg/logx"
)

// Log writes messages to the logger instead of delivering them.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (t *Log) Name() string { return "log" }

func (t *Log) Send(_ context.Context, subject, body string, recipients []string) error {
	t.log.Info("notification",
		logx.String("subject", subject),
		logx.String("to", strings.Join(recipients, ",")),
		logx.String("body", body),
	)
	return nil
}
