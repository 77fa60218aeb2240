package app

import (
	"errors"
	"fmt"

	"planpal/internal/config"
	"planpal/internal/credential"
	"planpal/internal/notifier"
	logx "planpal/pkg/logx"
)

// buildTransport picks the notifier backend named by notifier.transport.
// Secrets flagged as keyring-backed are looked up only when the config value is empty.
func buildTransport(cfg *config.Config, creds *credential.Store, log logx.Logger) (notifier.Transport, error) {
	nc := cfg.Notifier
	switch nc.Transport {
	case "", "log":
		return notifier.NewLog(log), nil

	case "smtp":
		pass := nc.SMTP.Password
		if nc.SMTP.KeyringPassword {
			var err error
			if pass, err = creds.Resolve(nc.SMTP.Password, credential.KeySMTPPassword); err != nil {
				return nil, err
			}
		}
		return notifier.NewSMTP(notifier.SMTPConfig{
			Host:        nc.SMTP.Host,
			Port:        nc.SMTP.Port,
			Username:    nc.SMTP.Username,
			Password:    pass,
			From:        nc.SMTP.From,
			ImplicitTLS: nc.SMTP.TLS,
		}, log)

	case "telegram":
		token := nc.Telegram.Token
		if nc.Telegram.KeyringToken {
			var err error
			if token, err = creds.Resolve(nc.Telegram.Token, credential.KeyTelegramToken); err != nil {
				return nil, err
			}
		}
		if token == "" {
			return nil, errors.New("notifier.telegram: token not found in config or keyring")
		}
		return notifier.NewTelegram(notifier.TelegramConfig{
			Token:  token,
			ChatID: nc.Telegram.ChatID,
		})
	}
	return nil, fmt.Errorf("notifier.transport: unknown transport %q", nc.Transport)
}
