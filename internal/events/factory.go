package events

import (
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/sirupsen/logrus"
)

// NewFromConfig builds the publisher for the configured sinks. The log sink
// is always included.
func NewFromConfig(cfg config.EventsConfig, environment string, log *logrus.Logger) *MultiPublisher {
	publishers := []Publisher{NewLogPublisher(log)}

	for _, sink := range cfg.Sinks {
		switch sink {
		case "discord":
			for _, url := range cfg.DiscordWebhookURLs {
				publishers = append(publishers, NewDiscordPublisher(url))
			}
		case "smtp":
			publishers = append(publishers, NewSMTPPublisher(
				cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, cfg.SMTPTo))
		case "redis":
			publishers = append(publishers, NewRedisPublisher(
				cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisChannelPrefix))
		}
	}

	log.WithField("sinks", len(publishers)).Info("Event publishers configured")
	return NewMultiPublisher(environment, publishers...)
}
