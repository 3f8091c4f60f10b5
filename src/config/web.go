package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
)

type WebConfig struct {
	Listen string
	// Secret used to verify X-Hub-Signature-256 on push webhooks.
	// Webhooks are rejected when it is empty.
	WebhookSecret []byte
}

func NewWebConfig(listen, webhookSecretFile string) (WebConfig, error) {
	self := WebConfig{Listen: listen}

	if webhookSecretFile == "" {
		return self, nil
	}

	if v, err := os.ReadFile(webhookSecretFile); err != nil {
		return self, errors.WithMessage(err, "While reading webhook secret")
	} else {
		self.WebhookSecret = bytes.TrimSuffix(v, []byte{'\n'})
	}

	return self, nil
}
