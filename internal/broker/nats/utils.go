package nats

import (
	"github.com/nats-io/nats.go"

	"jsqueue/config"
	"jsqueue/internal/broker"
	"jsqueue/internal/logger"
)

// buildOptions translates the NATS config and event callbacks into nats.go options.
func buildOptions(cfg config.NATSConfig, events broker.ConnEvents, log *logger.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if events.Disconnected != nil {
				events.Disconnected(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if events.Reconnected != nil {
				events.Reconnected(nc.ConnectedUrl())
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if events.Closed != nil {
				events.Closed()
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS async error", "subject", subject, "error", err)
		}),
	}

	// Add authentication if configured
	switch {
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.TLS.Enable {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}
	}

	return opts
}
