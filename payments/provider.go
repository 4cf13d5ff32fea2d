package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/models"
)

type ProviderKey string

const (
	ProviderStripe ProviderKey = "stripe"
	ProviderPayPal ProviderKey = "paypal"
)

var (
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrBadSignature is a security boundary, not a soft error: the payload
	// must be discarded without any state change.
	ErrBadSignature = errors.New("webhook signature verification failed")
)

func ParseProviderKey(s string) (ProviderKey, error) {
	switch ProviderKey(s) {
	case ProviderStripe:
		return ProviderStripe, nil
	case ProviderPayPal:
		return ProviderPayPal, nil
	}
	return "", ErrUnknownProvider
}

type CheckoutParams struct {
	OrderId     int
	OrderNumber string
	AmountMinor int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

type CheckoutSession struct {
	SessionId   string
	RedirectURL string
}

// CanonicalPaymentResult is the provider-agnostic shape every adapter
// normalizes its webhook payload into; it is the seam that keeps the
// reconciler free of provider specifics.
type CanonicalPaymentResult struct {
	Success               bool
	ProviderTransactionId string
	Status                models.PaymentStatus
	OrderId               int
	AmountMinor           int64
	RawPayload            []byte
}

type RefundResult struct {
	Success  bool
	RefundId string
	Error    string
}

// Provider is implemented once per payment provider. Amounts cross this
// boundary only as integer minor currency units.
type Provider interface {
	Key() ProviderKey

	// IsConfigured is true iff credentials exist and the provider is
	// enabled. A mis-configured provider must be rejected before any
	// order-mutating work begins.
	IsConfigured(ctx context.Context) bool

	CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// VerifyWebhook authenticates the raw payload against the provider's
	// signing scheme, then maps the provider's event taxonomy onto the
	// canonical result. Returns ErrBadSignature on mismatch.
	VerifyWebhook(ctx context.Context, rawPayload []byte, signatureHeader string) (*CanonicalPaymentResult, error)

	// Refund is full when amountMinor is nil, partial otherwise.
	Refund(ctx context.Context, providerTransactionId string, amountMinor *int64) (*RefundResult, error)
}

// Registry resolves adapters from the closed provider enum. One registry is
// constructed per process and shared; adapters are stateless apart from the
// credential cache handed to them.
type Registry struct {
	creds      *CredentialCache
	httpClient *http.Client

	stripe *StripeProvider
	paypal *PayPalProvider
}

func NewRegistry(creds *CredentialCache) *Registry {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &Registry{
		creds:      creds,
		httpClient: httpClient,
		stripe:     &StripeProvider{creds: creds, httpClient: httpClient},
		paypal:     &PayPalProvider{creds: creds, httpClient: httpClient},
	}
}

func (r *Registry) ForProvider(key ProviderKey) (Provider, error) {
	switch key {
	case ProviderStripe:
		return r.stripe, nil
	case ProviderPayPal:
		return r.paypal, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
}

func (r *Registry) Credentials() *CredentialCache {
	return r.creds
}
