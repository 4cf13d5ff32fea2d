package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/models"
)

func signStripePayload(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()
	tsStr := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsStr))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", tsStr, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripeSignatureValid(t *testing.T) {
	payload := []byte(`{"type":"checkout.session.completed"}`)
	now := time.Now()
	header := signStripePayload(t, payload, "whsec_test", now)

	if err := verifyStripeSignature(payload, header, "whsec_test", now); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyStripeSignatureWrongSecret(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	header := signStripePayload(t, payload, "whsec_other", now)

	if err := verifyStripeSignature(payload, header, "whsec_test", now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyStripeSignatureTamperedPayload(t *testing.T) {
	now := time.Now()
	header := signStripePayload(t, []byte(`{"amount":100}`), "whsec_test", now)

	if err := verifyStripeSignature([]byte(`{"amount":999}`), header, "whsec_test", now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyStripeSignatureStaleTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	signed := time.Now().Add(-10 * time.Minute)
	header := signStripePayload(t, payload, "whsec_test", signed)

	if err := verifyStripeSignature(payload, header, "whsec_test", time.Now()); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for stale timestamp, got %v", err)
	}
}

func TestVerifyStripeSignatureRotatedSecrets(t *testing.T) {
	// During rotation Stripe sends one v1 entry per active secret.
	payload := []byte(`{}`)
	now := time.Now()
	tsStr := fmt.Sprintf("%d", now.Unix())

	sign := func(secret string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(tsStr))
		mac.Write([]byte("."))
		mac.Write(payload)
		return hex.EncodeToString(mac.Sum(nil))
	}
	header := fmt.Sprintf("t=%s,v1=%s,v1=%s", tsStr, sign("whsec_old"), sign("whsec_new"))

	if err := verifyStripeSignature(payload, header, "whsec_new", now); err != nil {
		t.Fatalf("expected rotated signature to pass, got %v", err)
	}
}

func TestVerifyStripeSignatureMalformedHeader(t *testing.T) {
	for _, header := range []string{"", "t=123", "v1=abc", "garbage", "t=notanumber,v1=abc"} {
		if err := verifyStripeSignature([]byte(`{}`), header, "whsec_test", time.Now()); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("header %q: expected ErrBadSignature, got %v", header, err)
		}
	}
}

func newTestStripeProvider(webhookSecret string) *StripeProvider {
	enabled := true
	sandbox := true
	cache := NewCredentialCacheWithLoader(func(ctx context.Context, provider string) (*models.PaymentGatewayConfig, error) {
		return &models.PaymentGatewayConfig{
			Provider:      provider,
			Enabled:       &enabled,
			ApiKey:        "sk_test_123",
			WebhookSecret: webhookSecret,
			Sandbox:       &sandbox,
		}, nil
	})
	return &StripeProvider{creds: cache}
}

func TestStripeVerifyWebhookEventMapping(t *testing.T) {
	provider := newTestStripeProvider("whsec_test")
	ctx := context.Background()

	cases := []struct {
		eventType  string
		wantStatus models.PaymentStatus
		wantOk     bool
	}{
		{"checkout.session.completed", models.PaymentStatusCompleted, true},
		{"checkout.session.expired", models.PaymentStatusFailed, false},
		{"checkout.session.async_payment_failed", models.PaymentStatusFailed, false},
		{"payment_intent.payment_failed", models.PaymentStatusFailed, false},
		{"charge.refunded", models.PaymentStatusRefunded, false},
		{"payment_intent.created", models.PaymentStatusPending, false},
	}
	for _, tc := range cases {
		payload := []byte(fmt.Sprintf(
			`{"type":%q,"data":{"object":{"id":"cs_1","payment_intent":"pi_1","amount_total":1999,"metadata":{"order_id":"42"}}}}`,
			tc.eventType))
		header := signStripePayload(t, payload, "whsec_test", time.Now())

		result, err := provider.VerifyWebhook(ctx, payload, header)
		if err != nil {
			t.Fatalf("%s: VerifyWebhook: %v", tc.eventType, err)
		}
		if result.Status != tc.wantStatus {
			t.Fatalf("%s: status = %s, want %s", tc.eventType, result.Status, tc.wantStatus)
		}
		if result.Success != tc.wantOk {
			t.Fatalf("%s: success = %v, want %v", tc.eventType, result.Success, tc.wantOk)
		}
		if result.OrderId != 42 {
			t.Fatalf("%s: order id = %d, want 42", tc.eventType, result.OrderId)
		}
		if result.ProviderTransactionId != "pi_1" {
			t.Fatalf("%s: txn id = %s, want pi_1", tc.eventType, result.ProviderTransactionId)
		}
	}
}

func TestStripeVerifyWebhookRejectsBadSignature(t *testing.T) {
	provider := newTestStripeProvider("whsec_test")
	payload := []byte(`{"type":"checkout.session.completed"}`)
	header := signStripePayload(t, payload, "whsec_attacker", time.Now())

	if _, err := provider.VerifyWebhook(context.Background(), payload, header); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestStripeVerifyWebhookRejectsWhenSecretMissing(t *testing.T) {
	provider := newTestStripeProvider("")
	payload := []byte(`{"type":"checkout.session.completed"}`)

	if _, err := provider.VerifyWebhook(context.Background(), payload, "t=1,v1=abc"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
