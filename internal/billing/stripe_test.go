package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/paygate/gateway/internal/keystore"
)

const testSecret = "whsec_test_secret"

func signedPayload(t *testing.T, body []byte, secret string, ts time.Time) string {
	t.Helper()
	signedString := fmt.Sprintf("%d.%s", ts.Unix(), body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedString))
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), sig)
}

func eventBody(metadata map[string]string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   "evt_test",
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":       "cs_test",
				"metadata": metadata,
			},
		},
	})
	return body
}

func TestParseWebhook_ValidSignatureExtractsTopUp(t *testing.T) {
	body := eventBody(map[string]string{"paygate_api_key": "pg_abc123456789", "paygate_credits": "500"})
	header := signedPayload(t, body, testSecret, time.Now())

	topup, err := ParseWebhook(body, header, testSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topup == nil {
		t.Fatal("expected a topup, got nil")
	}
	if topup.APIKey != "pg_abc123456789" || topup.Credits != 500 {
		t.Errorf("unexpected topup: %+v", topup)
	}
}

func TestParseWebhook_NoPaygateMetadataIsNoop(t *testing.T) {
	body := eventBody(map[string]string{"unrelated": "thing"})
	header := signedPayload(t, body, testSecret, time.Now())

	topup, err := ParseWebhook(body, header, testSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topup != nil {
		t.Errorf("expected nil topup for unrelated event, got %+v", topup)
	}
}

func TestParseWebhook_BodyMutationFailsVerification(t *testing.T) {
	body := eventBody(map[string]string{"paygate_api_key": "pg_abc123456789", "paygate_credits": "500"})
	header := signedPayload(t, body, testSecret, time.Now())

	tampered := append([]byte{}, body...)
	tampered = append(tampered, ' ')

	if _, err := ParseWebhook(tampered, header, testSecret, 5*time.Minute); err == nil {
		t.Fatal("expected signature verification to fail on mutated body")
	}
}

func TestParseWebhook_WrongSecretFailsVerification(t *testing.T) {
	body := eventBody(map[string]string{"paygate_api_key": "pg_abc123456789", "paygate_credits": "500"})
	header := signedPayload(t, body, "whsec_wrong", time.Now())

	if _, err := ParseWebhook(body, header, testSecret, 5*time.Minute); err == nil {
		t.Fatal("expected signature verification to fail with wrong secret")
	}
}

func TestParseWebhook_OutsideToleranceFailsVerification(t *testing.T) {
	body := eventBody(map[string]string{"paygate_api_key": "pg_abc123456789", "paygate_credits": "500"})
	header := signedPayload(t, body, testSecret, time.Now().Add(-10*time.Minute))

	if _, err := ParseWebhook(body, header, testSecret, 5*time.Minute); err == nil {
		t.Fatal("expected signature verification to fail outside replay tolerance")
	}
}

func TestHandleWebhook_CreditsKeyOnValidEvent(t *testing.T) {
	store, err := keystore.New("", 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec, err := store.CreateKey("topup-target", 10, keystore.CreateOpts{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	body := eventBody(map[string]string{"paygate_api_key": rec.Key, "paygate_credits": "250"})
	header := signedPayload(t, body, testSecret, time.Now())

	if err := HandleWebhook(store, body, header, testSecret); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got, ok := store.GetKeyRaw(rec.Key)
	if !ok {
		t.Fatal("key disappeared after top-up")
	}
	if got.Credits != 260 {
		t.Errorf("expected 260 credits after top-up, got %d", got.Credits)
	}
}

func TestHandleWebhook_UnknownKeyErrors(t *testing.T) {
	store, err := keystore.New("", 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	body := eventBody(map[string]string{"paygate_api_key": "pg_doesnotexist", "paygate_credits": "100"})
	header := signedPayload(t, body, testSecret, time.Now())

	if err := HandleWebhook(store, body, header, testSecret); err == nil {
		t.Fatal("expected error crediting an unknown key")
	}
}
