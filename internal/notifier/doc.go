// Package notifier delivers reminder messages and operator alerts.
//
// # Transport
//
// Delivery is delegated to a Transport: SMTP email, a Telegram chat, or the
// log (for development). The Service wraps whichever transport is configured
// with a send rate limit, a per-send timeout, bus events and a small history.
//
// # Alerts
//
// Service also implements logx.AlertSender so warn/error log lines can be
// forwarded to the same channel. Identical alerts inside the dedup window are
// suppressed.
package notifier
