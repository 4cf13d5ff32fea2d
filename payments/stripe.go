package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
)

const stripeAPIBase = "https://api.stripe.com"

// stripeSignatureTolerance bounds replay of a captured webhook.
const stripeSignatureTolerance = 5 * time.Minute

type StripeProvider struct {
	creds      *CredentialCache
	httpClient *http.Client
}

func (p *StripeProvider) Key() ProviderKey { return ProviderStripe }

func (p *StripeProvider) IsConfigured(ctx context.Context) bool {
	creds, err := p.creds.Get(ctx, ProviderStripe)
	if err != nil {
		return false
	}
	return creds.Enabled && creds.ApiKey != "" && creds.WebhookSecret != ""
}

type stripeCheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentIntent string `json:"payment_intent"`
}

func (p *StripeProvider) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	creds, err := p.creds.Get(ctx, ProviderStripe)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("client_reference_id", strconv.Itoa(params.OrderId))
	form.Set("metadata[order_id]", strconv.Itoa(params.OrderId))
	form.Set("metadata[order_number]", params.OrderNumber)
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	// The order is a single line on the provider side; per-item detail lives
	// in our own OrderItem snapshots.
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(params.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", "Order "+params.OrderNumber)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stripeAPIBase+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.ApiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe checkout session failed (status=%d): %s", resp.StatusCode, stripeErrorMessage(body))
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, err
	}
	if session.URL == "" {
		return nil, fmt.Errorf("stripe checkout session missing redirect url")
	}
	return &CheckoutSession{SessionId: session.ID, RedirectURL: session.URL}, nil
}

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentIntent string            `json:"payment_intent"`
			AmountTotal   int64             `json:"amount_total"`
			AmountRefund  int64             `json:"amount_refunded"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (p *StripeProvider) VerifyWebhook(ctx context.Context, rawPayload []byte, signatureHeader string) (*CanonicalPaymentResult, error) {
	creds, err := p.creds.Get(ctx, ProviderStripe)
	if err != nil {
		return nil, err
	}
	if creds.WebhookSecret == "" {
		return nil, ErrBadSignature
	}

	if err := verifyStripeSignature(rawPayload, signatureHeader, creds.WebhookSecret, time.Now()); err != nil {
		return nil, err
	}

	var event stripeEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return nil, fmt.Errorf("stripe webhook payload: %w", err)
	}

	orderId, _ := strconv.Atoi(event.Data.Object.Metadata["order_id"])
	txnId := event.Data.Object.PaymentIntent
	if txnId == "" {
		txnId = event.Data.Object.ID
	}

	result := &CanonicalPaymentResult{
		ProviderTransactionId: txnId,
		OrderId:               orderId,
		AmountMinor:           event.Data.Object.AmountTotal,
		RawPayload:            rawPayload,
	}

	switch event.Type {
	case "checkout.session.completed":
		result.Success = true
		result.Status = models.PaymentStatusCompleted
	case "checkout.session.expired", "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		result.Status = models.PaymentStatusFailed
	case "charge.refunded":
		result.Status = models.PaymentStatusRefunded
		result.AmountMinor = event.Data.Object.AmountRefund
	default:
		result.Status = models.PaymentStatusPending
	}

	return result, nil
}

// verifyStripeSignature checks the Stripe-Signature header:
// "t=<unix>,v1=<hex hmac-sha256 of '<t>.<payload>' keyed by the signing secret>".
// Multiple v1 entries may be present during secret rotation; any match passes.
func verifyStripeSignature(payload []byte, header string, secret string, now time.Time) error {
	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if ts == "" || len(candidates) == 0 {
		return ErrBadSignature
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := now.Sub(time.Unix(tsInt, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return ErrBadSignature
}

func (p *StripeProvider) Refund(ctx context.Context, providerTransactionId string, amountMinor *int64) (*RefundResult, error) {
	creds, err := p.creds.Get(ctx, ProviderStripe)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("payment_intent", providerTransactionId)
	if amountMinor != nil {
		form.Set("amount", strconv.FormatInt(*amountMinor, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stripeAPIBase+"/v1/refunds", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.ApiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := stripeErrorMessage(body)
		config.LogError(config.GetLogger(), "stripe.go", "Refund", "stripe refund failed", providerTransactionId, fmt.Errorf("%s", msg))
		return &RefundResult{Success: false, Error: msg}, nil
	}

	var refund struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, err
	}
	return &RefundResult{Success: true, RefundId: refund.ID}, nil
}

func stripeErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(body)
}
