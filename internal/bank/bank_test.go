package bank

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testSecret = "whsec_test_secret"

// sign produces a valid Stripe-Signature header for the payload.
func sign(payload []byte, secret string) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%x", now.Unix(), sig)
}

func topupEvent(userID string, amountKobo int) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"type": "topup.succeeded",
		"data": {
			"object": {
				"amount": %d,
				"metadata": {
					"user_id": %q,
					"bank_name": "GTBank",
					"sender_name": "Ada O."
				}
			}
		}
	}`, amountKobo, userID))
}

func TestParseCredit_ValidEvent(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testSecret, nil)

	payload := topupEvent("user_ada", 250000)
	credit, err := p.ParseCredit(payload, sign(payload, testSecret))
	require.NoError(t, err)

	assert.Equal(t, "evt_test_1", credit.ExternalReference)
	assert.Equal(t, "user_ada", credit.UserID)
	assert.Equal(t, "2500.00", credit.Amount)
	assert.Equal(t, "GTBank", credit.BankName)
	assert.Equal(t, "Ada O.", credit.SenderName)
}

func TestParseCredit_BadSignature(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testSecret, nil)

	payload := topupEvent("user_ada", 250000)
	_, err := p.ParseCredit(payload, sign(payload, "whsec_wrong"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseCredit_WrongEventType(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testSecret, nil)

	payload := []byte(`{"id":"evt_2","type":"payout.paid","data":{"object":{}}}`)
	_, err := p.ParseCredit(payload, sign(payload, testSecret))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestParseCredit_MissingUser(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testSecret, nil)

	payload := topupEvent("", 250000)
	_, err := p.ParseCredit(payload, sign(payload, testSecret))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestParseCredit_ZeroAmount(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testSecret, nil)

	payload := topupEvent("user_ada", 0)
	_, err := p.ParseCredit(payload, sign(payload, testSecret))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
