package notify

import (
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"childsecurity/internal/logging"
)

// SMSSender texts pickup credentials to the guardian as the out-of-band
// receipt. A nil sender means SMS is not configured; sends become no-ops.
type SMSSender struct {
	client *twilio.RestClient
	from   string
}

// NewSMSSender returns nil unless all Twilio credentials are set.
func NewSMSSender(accountSID, authToken, from string) *SMSSender {
	if accountSID == "" || authToken == "" || from == "" {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &SMSSender{client: client, from: from}
}

// SendPickupReceipt texts the PIN and QR token to the guardian's phone.
func (s *SMSSender) SendPickupReceipt(phone, childID, pin, qrToken string) error {
	if s == nil || phone == "" {
		return nil
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(phone)
	params.SetFrom(s.from)
	params.SetBody(fmt.Sprintf(
		"Check-in confirmed for %s. Pickup PIN: %s. QR token: %s. Keep these private.",
		childID, pin, qrToken))

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		logging.Logger.WithError(err).Errorf("failed to send pickup receipt SMS to %s", phone)
		return fmt.Errorf("send pickup receipt via twilio: %w", err)
	}
	return nil
}
