package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/models"
)

const (
	paypalAPIBaseLive    = "https://api-m.paypal.com"
	paypalAPIBaseSandbox = "https://api-m.sandbox.paypal.com"
)

type PayPalProvider struct {
	creds      *CredentialCache
	httpClient *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func (p *PayPalProvider) Key() ProviderKey { return ProviderPayPal }

func (p *PayPalProvider) apiBase(creds *Credentials) string {
	if creds.Sandbox {
		return paypalAPIBaseSandbox
	}
	return paypalAPIBaseLive
}

func (p *PayPalProvider) IsConfigured(ctx context.Context) bool {
	creds, err := p.creds.Get(ctx, ProviderPayPal)
	if err != nil {
		return false
	}
	// WebhookSecret holds the PayPal webhook ID used for signature verification.
	return creds.Enabled && creds.ApiKey != "" && creds.ApiSecret != "" && creds.WebhookSecret != ""
}

// getAccessToken returns a cached OAuth2 client-credentials token, refreshing
// when within a minute of expiry.
func (p *PayPalProvider) getAccessToken(ctx context.Context, creds *Credentials) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.accessToken != "" && time.Until(p.tokenExpiry) > time.Minute {
		return p.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase(creds)+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(creds.ApiKey, creds.ApiSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("paypal oauth failed (status=%d): %s", resp.StatusCode, string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("paypal oauth returned empty token")
	}

	p.accessToken = token.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

// InvalidateToken drops the cached OAuth token (credential rotation).
func (p *PayPalProvider) InvalidateToken() {
	p.tokenMu.Lock()
	p.accessToken = ""
	p.tokenExpiry = time.Time{}
	p.tokenMu.Unlock()
}

func (p *PayPalProvider) doJSON(ctx context.Context, creds *Credentials, method, path string, payload any, out any) (int, []byte, error) {
	token, err := p.getAccessToken(ctx, creds)
	if err != nil {
		return 0, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.apiBase(creds)+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	if out != nil && len(body) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, err
		}
	}
	return resp.StatusCode, body, nil
}

type paypalOrderResponse struct {
	ID    string `json:"id"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (p *PayPalProvider) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	creds, err := p.creds.Get(ctx, ProviderPayPal)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"custom_id":  strconv.Itoa(params.OrderId),
				"invoice_id": params.OrderNumber,
				"amount": map[string]any{
					"currency_code": strings.ToUpper(params.Currency),
					"value":         MinorUnitsToAmountString(params.AmountMinor),
				},
			},
		},
		"application_context": map[string]any{
			"return_url": params.SuccessURL,
			"cancel_url": params.CancelURL,
		},
	}

	var order paypalOrderResponse
	status, body, err := p.doJSON(ctx, creds, http.MethodPost, "/v2/checkout/orders", payload, &order)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("paypal order creation failed (status=%d): %s", status, string(body))
	}

	for _, link := range order.Links {
		if link.Rel == "approve" {
			return &CheckoutSession{SessionId: order.ID, RedirectURL: link.Href}, nil
		}
	}
	return nil, fmt.Errorf("paypal order %s missing approve link", order.ID)
}

// PayPalSignatureHeaders packs the transmission headers the verification API
// needs into the single signatureHeader string the Provider contract carries.
type PayPalSignatureHeaders struct {
	TransmissionId   string `json:"transmission_id"`
	TransmissionTime string `json:"transmission_time"`
	TransmissionSig  string `json:"transmission_sig"`
	CertURL          string `json:"cert_url"`
	AuthAlgo         string `json:"auth_algo"`
}

// CollectPayPalSignature serializes the PAYPAL-* request headers for
// VerifyWebhook. Returns "" when any required header is missing.
func CollectPayPalSignature(h http.Header) string {
	sig := PayPalSignatureHeaders{
		TransmissionId:   h.Get("Paypal-Transmission-Id"),
		TransmissionTime: h.Get("Paypal-Transmission-Time"),
		TransmissionSig:  h.Get("Paypal-Transmission-Sig"),
		CertURL:          h.Get("Paypal-Cert-Url"),
		AuthAlgo:         h.Get("Paypal-Auth-Algo"),
	}
	if sig.TransmissionId == "" || sig.TransmissionSig == "" {
		return ""
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return ""
	}
	return string(raw)
}

type paypalWebhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID       string `json:"id"`
		CustomId string `json:"custom_id"`
		Amount   struct {
			Value string `json:"value"`
		} `json:"amount"`
	} `json:"resource"`
}

func (p *PayPalProvider) VerifyWebhook(ctx context.Context, rawPayload []byte, signatureHeader string) (*CanonicalPaymentResult, error) {
	creds, err := p.creds.Get(ctx, ProviderPayPal)
	if err != nil {
		return nil, err
	}

	var sig PayPalSignatureHeaders
	if signatureHeader == "" || json.Unmarshal([]byte(signatureHeader), &sig) != nil {
		return nil, ErrBadSignature
	}
	if sig.TransmissionId == "" || sig.TransmissionSig == "" {
		return nil, ErrBadSignature
	}

	verifyPayload := map[string]any{
		"transmission_id":   sig.TransmissionId,
		"transmission_time": sig.TransmissionTime,
		"transmission_sig":  sig.TransmissionSig,
		"cert_url":          sig.CertURL,
		"auth_algo":         sig.AuthAlgo,
		"webhook_id":        creds.WebhookSecret,
		"webhook_event":     json.RawMessage(rawPayload),
	}

	var verification struct {
		VerificationStatus string `json:"verification_status"`
	}
	status, body, err := p.doJSON(ctx, creds, http.MethodPost, "/v1/notifications/verify-webhook-signature", verifyPayload, &verification)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("paypal webhook verification call failed (status=%d): %s", status, string(body))
	}
	if verification.VerificationStatus != "SUCCESS" {
		return nil, ErrBadSignature
	}

	var event paypalWebhookEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return nil, fmt.Errorf("paypal webhook payload: %w", err)
	}

	orderId, _ := strconv.Atoi(event.Resource.CustomId)
	var amountMinor int64
	if event.Resource.Amount.Value != "" {
		amountMinor = amountStringToMinorUnits(event.Resource.Amount.Value)
	}

	result := &CanonicalPaymentResult{
		ProviderTransactionId: event.Resource.ID,
		OrderId:               orderId,
		AmountMinor:           amountMinor,
		RawPayload:            rawPayload,
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		result.Success = true
		result.Status = models.PaymentStatusCompleted
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		result.Status = models.PaymentStatusFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		result.Status = models.PaymentStatusRefunded
	default:
		result.Status = models.PaymentStatusPending
	}

	return result, nil
}

func (p *PayPalProvider) Refund(ctx context.Context, providerTransactionId string, amountMinor *int64) (*RefundResult, error) {
	creds, err := p.creds.Get(ctx, ProviderPayPal)
	if err != nil {
		return nil, err
	}

	var payload any
	if amountMinor != nil {
		payload = map[string]any{
			"amount": map[string]any{
				"value":         MinorUnitsToAmountString(*amountMinor),
				"currency_code": "EUR",
			},
		}
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	status, body, err := p.doJSON(ctx, creds, http.MethodPost,
		"/v2/payments/captures/"+providerTransactionId+"/refund", payload, &refund)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return &RefundResult{Success: false, Error: string(body)}, nil
	}
	return &RefundResult{Success: true, RefundId: refund.ID}, nil
}
