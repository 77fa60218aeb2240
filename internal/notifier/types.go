package notifier

import (
	"context"
	"time"
)

// Transport sends one message to a list of recipients. Recipient format
// depends on the transport: email addresses for SMTP, ignored by Telegram.
type Transport interface {
	Name() string
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// Config controls rate limiting and alert routing.
type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
	HistorySize int

	// AlertRecipients receive forwarded log alerts.
	AlertRecipients []string
	// AlertDedupWindow suppresses repeats of the same alert text.
	AlertDedupWindow time.Duration
	// AlertDedupMax bounds the dedup cache.
	AlertDedupMax int
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	To      int       `json:"to"`
	Error   string    `json:"error,omitempty"`
}

// NotificationEvent is the payload of notify.sent and notify.failed.
type NotificationEvent struct {
	Transport string    `json:"transport"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

type Snapshot struct {
	Transport     string        `json:"transport"`
	RatePerSec    int           `json:"rate_per_sec"`
	Sent          uint64        `json:"sent"`
	Failed        uint64        `json:"failed"`
	AlertsDeduped uint64        `json:"alerts_deduped"`
	History       []HistoryItem `json:"history"`
}

const (
	kindReminder = "reminder"
	kindAlert    = "alert"
)
