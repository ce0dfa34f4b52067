// Package transfer redirects a live call to a human agent through
// the Twilio REST API. It is the escape hatch when the model leg
// cannot serve the caller.
package transfer

import (
	"context"
	"fmt"
	"html"

	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Service updates in-progress calls to dial a human.
// If credentials are missing the service is disabled and Redirect
// becomes a logged no-op, so local development works without Twilio.
type Service struct {
	client         *twilio.RestClient
	enabled        bool
	transferNumber string
	actionURL      string
}

// NewService creates the transfer service. transferNumber is the
// human destination; actionURL, when set, wins and must serve TwiML.
func NewService(accountSID, authToken, transferNumber, actionURL string) *Service {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, human transfer disabled")
		return &Service{enabled: false}
	}
	return &Service{
		client:         twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		enabled:        true,
		transferNumber: transferNumber,
		actionURL:      actionURL,
	}
}

// IsEnabled returns whether transfers can actually be performed.
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// Redirect moves the call away from the media stream to a human.
func (s *Service) Redirect(ctx context.Context, callSid, reason string) error {
	if !s.enabled {
		logger.Base().Warn("Human transfer requested but service disabled",
			zap.String("call_sid", callSid),
			zap.String("reason", reason))
		return nil
	}
	if callSid == "" {
		return fmt.Errorf("cannot transfer without a call sid")
	}

	logger.Base().Info("Transferring call to human",
		zap.String("call_sid", callSid),
		zap.String("reason", reason))

	params := &api.UpdateCallParams{}
	if s.actionURL != "" {
		params.SetUrl(s.actionURL)
		params.SetMethod("POST")
	} else {
		if s.transferNumber == "" {
			return fmt.Errorf("no transfer number configured")
		}
		twiml := fmt.Sprintf(
			"<Response><Say>Please hold while I connect you to one of our agents.</Say><Dial>%s</Dial></Response>",
			html.EscapeString(s.transferNumber))
		params.SetTwiml(twiml)
	}

	if _, err := s.client.Api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("failed to redirect call %s: %w", callSid, err)
	}
	return nil
}
