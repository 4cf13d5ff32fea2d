package payments

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestCollectPayPalSignatureRoundTrip(t *testing.T) {
	h := http.Header{}
	h.Set("Paypal-Transmission-Id", "tid-1")
	h.Set("Paypal-Transmission-Time", "2026-08-28T10:00:00Z")
	h.Set("Paypal-Transmission-Sig", "sig-1")
	h.Set("Paypal-Cert-Url", "https://api.paypal.com/cert.pem")
	h.Set("Paypal-Auth-Algo", "SHA256withRSA")

	packed := CollectPayPalSignature(h)
	if packed == "" {
		t.Fatal("expected packed signature header")
	}

	var sig PayPalSignatureHeaders
	if err := json.Unmarshal([]byte(packed), &sig); err != nil {
		t.Fatalf("unmarshal packed header: %v", err)
	}
	if sig.TransmissionId != "tid-1" || sig.TransmissionSig != "sig-1" || sig.AuthAlgo != "SHA256withRSA" {
		t.Fatalf("round trip lost fields: %+v", sig)
	}
}

func TestCollectPayPalSignatureMissingHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Paypal-Transmission-Time", "2026-08-28T10:00:00Z")

	if packed := CollectPayPalSignature(h); packed != "" {
		t.Fatalf("expected empty result when transmission id/sig are missing, got %q", packed)
	}
}
