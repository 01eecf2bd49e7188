package notifier

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
	"gitlab.com/phytodb/services/backend/internal/models"
)

// messageCreator is the slice of the Twilio REST API the SMS channel uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMS texts a short alert to the configured admin numbers.
type SMS struct {
	api    messageCreator
	from   string
	to     []string
	logger *zap.Logger
}

// NewSMS returns nil unless all Twilio settings are present.
func NewSMS(cfg config.TwilioConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled() {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMS{
		api:    client.Api,
		from:   cfg.From,
		to:     cfg.To,
		logger: logger.Named("sms"),
	}
}

func (s *SMS) Notify(ctx context.Context, payload models.NotificationPayload) error {
	body := SMSBody(payload)

	var errs error
	for _, to := range s.to {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(s.from)
		params.SetBody(body)

		resp, err := s.api.CreateMessage(params)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sms to %s: %w", to, err))
			continue
		}

		sid := ""
		if resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		s.logger.Info("sms sent", zap.String("to", to), zap.String("sid", sid))
	}
	return errs
}

// SMSBody is the one-line alert text.
func SMSBody(payload models.NotificationPayload) string {
	who := payload.UserID
	if email := payload.Email(); email != "" {
		who = email
	}
	return fmt.Sprintf("%s from %s (blind: %s, active site: %s)",
		Subject(payload), who, payload.BlindDocking, payload.ActiveSiteDocking)
}
