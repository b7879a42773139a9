package daraja

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/payments"
	"github.com/shopspring/decimal"
)

type fakeDaraja struct {
	tokenCalls int64
	b2cCalls   int64
	lastB2C    atomic.Pointer[b2cRequest]

	tokenStatus  int
	responseCode string
}

func newFakeDaraja() *fakeDaraja {
	return &fakeDaraja{tokenStatus: http.StatusOK, responseCode: "0"}
}

func (f *fakeDaraja) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.tokenCalls, 1)
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			w.Write([]byte(`{"errorMessage":"Invalid Credentials"}`))
			return
		}
		// expires_in arrives as a string on the real API
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "test-token",
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.b2cCalls, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload b2cRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.lastB2C.Store(&payload)
		json.NewEncoder(w).Encode(b2cResponse{
			ConversationID:           "AG_20260315_000074changed",
			OriginatorConversationID: "29115-34620561-1",
			ResponseCode:             f.responseCode,
			ResponseDescription:      "Accept the service request successfully.",
		})
	})
	return mux
}

func testClient(baseURL string) *Client {
	return &Client{
		baseURL:            baseURL,
		consumerKey:        "key",
		consumerSecret:     "secret",
		shortcode:          "600999",
		initiatorName:      "testapi",
		securityCredential: "cred",
		resultURL:          "https://example.com/payments/mpesa/result",
		timeoutURL:         "https://example.com/payments/mpesa/timeout",
		http:               &http.Client{Timeout: 5 * time.Second},
	}
}

func TestDisburseFunds_SendsWholeShillingAmounts(t *testing.T) {
	fake := newFakeDaraja()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := testClient(server.URL)
	result, err := client.DisburseFunds(context.Background(), "+254712345678", decimal.RequireFromString("495.75"), "settlement-2026-03-F001")
	if err != nil {
		t.Fatalf("DisburseFunds: %v", err)
	}
	if result.ConversationId == "" || result.OriginatorConversationId == "" {
		t.Fatalf("expected conversation ids, got %+v", result)
	}

	payload := fake.lastB2C.Load()
	if payload == nil {
		t.Fatalf("b2c request never reached the server")
	}
	if payload.Amount != 495 {
		t.Fatalf("expected truncated whole-shilling amount 495, got %d", payload.Amount)
	}
	if payload.PartyB != "254712345678" {
		t.Fatalf("expected PartyB without plus prefix, got %q", payload.PartyB)
	}
	if payload.CommandID != "BusinessPayment" {
		t.Fatalf("expected CommandID BusinessPayment, got %q", payload.CommandID)
	}
	if payload.ResultURL != client.resultURL || payload.QueueTimeOutURL != client.timeoutURL {
		t.Fatalf("callback urls not propagated: %+v", payload)
	}
}

func TestDisburseFunds_TokenCachedAcrossCalls(t *testing.T) {
	fake := newFakeDaraja()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := testClient(server.URL)
	for i := 0; i < 3; i++ {
		if _, err := client.DisburseFunds(context.Background(), "254712345678", decimal.NewFromInt(200), "ref"); err != nil {
			t.Fatalf("DisburseFunds #%d: %v", i, err)
		}
	}

	if got := atomic.LoadInt64(&fake.tokenCalls); got != 1 {
		t.Fatalf("expected a single cached token fetch, got %d", got)
	}
	if got := atomic.LoadInt64(&fake.b2cCalls); got != 3 {
		t.Fatalf("expected 3 b2c calls, got %d", got)
	}
}

func TestDisburseFunds_NonZeroResponseCodeIsRejected(t *testing.T) {
	fake := newFakeDaraja()
	fake.responseCode = "1"
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.DisburseFunds(context.Background(), "254712345678", decimal.NewFromInt(200), "ref")
	pe, ok := payments.AsProviderError(err)
	if !ok {
		t.Fatalf("expected a ProviderError, got %v", err)
	}
	if pe.Reason != payments.FailureRejected {
		t.Fatalf("expected rejection, got reason %q", pe.Reason)
	}
}

func TestDisburseFunds_BadCredentialsSurfaceAsAuthFailure(t *testing.T) {
	fake := newFakeDaraja()
	fake.tokenStatus = http.StatusUnauthorized
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.DisburseFunds(context.Background(), "254712345678", decimal.NewFromInt(200), "ref")
	pe, ok := payments.AsProviderError(err)
	if !ok {
		t.Fatalf("expected a ProviderError, got %v", err)
	}
	if pe.Reason != payments.FailureAuth {
		t.Fatalf("expected auth failure, got reason %q", pe.Reason)
	}
	if got := atomic.LoadInt64(&fake.b2cCalls); got != 0 {
		t.Fatalf("b2c must not be called without a token, got %d calls", got)
	}
}
