// internal/service/notification/gateway.go
package notification

import (
	"context"
	"net/http"
	"strings"
	"time"

	"billing-service/internal/pkg/httpclient"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type GatewayConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// MaxAttempts including the first one.
	MaxAttempts     uint64
	InitialInterval time.Duration
}

// GatewaySink posts messages to a WhatsApp-style HTTP gateway.
type GatewaySink struct {
	cfg    GatewayConfig
	client httpclient.Client
	logger *zap.Logger
}

type gatewayMessage struct {
	EstablishmentID *string `json:"establishment_id,omitempty"`
	Phone           string  `json:"phone"`
	Message         string  `json:"message"`
}

func NewGatewaySink(cfg GatewayConfig, client httpclient.Client, logger *zap.Logger) *GatewaySink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GatewaySink{cfg: cfg, client: client, logger: logger}
}

func (g *GatewaySink) Send(ctx context.Context, establishmentID *string, phone, body string) error {
	if strings.TrimSpace(phone) == "" {
		return nil
	}

	req := &httpclient.Request{
		Method: http.MethodPost,
		URL:    g.cfg.BaseURL + "/messages",
		Headers: map[string]string{
			"Authorization": "Bearer " + g.cfg.Token,
		},
		Body: gatewayMessage{EstablishmentID: establishmentID, Phone: phone, Message: body},
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, g.cfg.MaxAttempts-1), ctx)

	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		_, err := g.client.Send(attemptCtx, req)
		if err == nil {
			return nil
		}

		var se *httpclient.StatusError
		if xerrors.As(err, &se) && se.StatusCode < http.StatusInternalServerError && se.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(xerrors.NewProviderError("notification", "send", se.StatusCode, string(se.Body), err))
		}
		g.logger.Debug("notification attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		return xerrors.Wrapf(err, "send notification after %d attempt(s)", attempt)
	}
	return nil
}
