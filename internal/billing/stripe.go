// Package billing is the thin signed-payload collaborator between Stripe
// and the KeyStore: it verifies a Stripe webhook's signature and, when the
// event carries PayGate top-up metadata, credits the referenced key.
//
// It deliberately does not create checkout or billing-portal sessions, and
// does not model subscriptions or plans. PayGate's credit model is a single
// balance per key; Stripe is only ever a way to push credits onto it.
package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/logger"
	"github.com/paygate/gateway/internal/meter"
)

// TopUp is the only shape PayGate extracts from a Stripe event: the
// metadata keys paygate_api_key and paygate_credits, carried on whatever
// checkout session or payment intent triggered the webhook.
type TopUp struct {
	APIKey  string
	Credits int64
}

// ParseWebhook verifies the Stripe-Signature header (HMAC-SHA256 over
// "${t}.${body}", with a replay tolerance) via the stripe-go SDK and pulls
// a TopUp out of the event object's metadata. It returns (nil, nil) for
// events with no paygate_api_key/paygate_credits metadata, so unrelated
// Stripe events (e.g. invoice.paid for something else entirely) are a
// silent no-op rather than an error.
func ParseWebhook(body []byte, sigHeader, signingSecret string, tolerance time.Duration) (*TopUp, error) {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	event, err := webhook.ConstructEventWithOptions(body, sigHeader, signingSecret,
		webhook.ConstructEventOptions{Tolerance: tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("verify stripe signature: %w", err)
	}

	var obj struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("decode stripe event object: %w", err)
	}

	apiKey := obj.Metadata["paygate_api_key"]
	creditsStr := obj.Metadata["paygate_credits"]
	if apiKey == "" || creditsStr == "" {
		return nil, nil
	}

	credits, err := strconv.ParseInt(creditsStr, 10, 64)
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("invalid paygate_credits metadata %q", creditsStr)
	}

	return &TopUp{APIKey: apiKey, Credits: credits}, nil
}

// HandleWebhook verifies body/sigHeader against signingSecret and, if the
// event carries a top-up, credits it to store. It is the entire surface
// the HTTP layer needs from this package.
func HandleWebhook(store keystore.Store, body []byte, sigHeader, signingSecret string) error {
	topup, err := ParseWebhook(body, sigHeader, signingSecret, 0)
	if err != nil {
		return err
	}
	if topup == nil {
		return nil
	}
	if !store.AddCredits(topup.APIKey, topup.Credits) {
		logger.Warn("stripe webhook: top-up rejected", "key", meter.MaskKey(topup.APIKey))
		return fmt.Errorf("add credits: key %s inactive or unknown", meter.MaskKey(topup.APIKey))
	}
	logger.Info("stripe webhook: credited key", "key", meter.MaskKey(topup.APIKey), "credits", topup.Credits)
	return nil
}
