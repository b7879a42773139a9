package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func atTestEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("AFRICASTALKING_USERNAME", "sandbox")
	t.Setenv("AFRICASTALKING_API_KEY", "test-key")
	t.Setenv("AFRICASTALKING_SENDER_ID", "MAZIWA")
	t.Setenv("AFRICASTALKING_BASE_URL", baseURL)
	// keep the limiter tick negligible for tests
	t.Setenv("SMS_RATE_LIMIT_PER_MIN", "60000")
}

func atServer(t *testing.T, recipient atRecipient, capture *map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if capture != nil {
			*capture = map[string]string{
				"apiKey":   r.Header.Get("apiKey"),
				"username": r.PostFormValue("username"),
				"to":       r.PostFormValue("to"),
				"message":  r.PostFormValue("message"),
				"from":     r.PostFormValue("from"),
			}
		}
		var payload atResponse
		payload.SMSMessageData.Message = "Sent to 1/1 Total Cost: KES 0.8000"
		payload.SMSMessageData.Recipients = []atRecipient{recipient}
		json.NewEncoder(w).Encode(payload)
	}))
}

func TestSendSMS_ParsesAcceptedRecipient(t *testing.T) {
	var got map[string]string
	server := atServer(t, atRecipient{
		StatusCode: 101,
		Number:     "+254712345678",
		Status:     "Success",
		Cost:       "KES 0.8000",
		MessageId:  "ATXid_abc123",
	}, &got)
	defer server.Close()

	atTestEnv(t, server.URL)
	client, err := NewAfricasTalking()
	if err != nil {
		t.Fatalf("NewAfricasTalking: %v", err)
	}

	result, err := client.SendSMS(context.Background(), "+254712345678", "Dear Wanjiku, we received 10L of milk.")
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if result.Provider != "africastalking" {
		t.Fatalf("expected provider africastalking, got %q", result.Provider)
	}
	if result.ProviderMsgId != "ATXid_abc123" {
		t.Fatalf("expected provider message id ATXid_abc123, got %q", result.ProviderMsgId)
	}
	if result.Cost == nil || result.Cost.StringFixed(4) != "0.8000" {
		t.Fatalf("expected cost 0.8000, got %v", result.Cost)
	}

	if got["apiKey"] != "test-key" {
		t.Fatalf("expected apiKey header, got %q", got["apiKey"])
	}
	if got["username"] != "sandbox" || got["to"] != "+254712345678" || got["from"] != "MAZIWA" {
		t.Fatalf("unexpected form fields: %+v", got)
	}
	if got["message"] == "" {
		t.Fatalf("message field missing from form")
	}
}

func TestSendSMS_RejectedStatusesArePermanent(t *testing.T) {
	server := atServer(t, atRecipient{
		StatusCode: 403,
		Status:     "InvalidPhoneNumber",
	}, nil)
	defer server.Close()

	atTestEnv(t, server.URL)
	client, err := NewAfricasTalking()
	if err != nil {
		t.Fatalf("NewAfricasTalking: %v", err)
	}

	_, err = client.SendSMS(context.Background(), "not-a-phone", "hello")
	if err == nil {
		t.Fatalf("expected an error for rejected recipient")
	}
	if !IsRejected(err) {
		t.Fatalf("expected a permanent rejection, got %v", err)
	}
}

func TestSendSMS_TransientFailuresAreRetryable(t *testing.T) {
	server := atServer(t, atRecipient{
		StatusCode: 405,
		Status:     "InsufficientBalance",
	}, nil)
	defer server.Close()

	atTestEnv(t, server.URL)
	client, err := NewAfricasTalking()
	if err != nil {
		t.Fatalf("NewAfricasTalking: %v", err)
	}

	_, err = client.SendSMS(context.Background(), "+254712345678", "hello")
	if err == nil {
		t.Fatalf("expected an error for failed recipient")
	}
	if IsRejected(err) {
		t.Fatalf("insufficient balance must stay retryable, got permanent rejection")
	}
}

func TestNewAfricasTalking_SandboxRouting(t *testing.T) {
	t.Setenv("AFRICASTALKING_USERNAME", "sandbox")
	t.Setenv("AFRICASTALKING_API_KEY", "k")
	t.Setenv("AFRICASTALKING_SENDER_ID", "")
	t.Setenv("AFRICASTALKING_BASE_URL", "")

	client, err := NewAfricasTalking()
	if err != nil {
		t.Fatalf("NewAfricasTalking: %v", err)
	}
	if client.endpoint != africasTalkingSandboxURL {
		t.Fatalf("expected sandbox endpoint for sandbox username, got %q", client.endpoint)
	}

	t.Setenv("AFRICASTALKING_USERNAME", "livecoop")
	client, err = NewAfricasTalking()
	if err != nil {
		t.Fatalf("NewAfricasTalking: %v", err)
	}
	if client.endpoint != africasTalkingProdURL {
		t.Fatalf("expected production endpoint, got %q", client.endpoint)
	}
}

func TestParseCost(t *testing.T) {
	cases := []struct {
		in   string
		want string // "" means nil
	}{
		{"KES 0.8000", "0.8"},
		{"UGX 25", "25"},
		{"", ""},
		{"KES", ""},
		{"KES abc", ""},
		{"0.8000", ""},
	}
	for _, tc := range cases {
		got := parseCost(tc.in)
		if tc.want == "" {
			if got != nil {
				t.Fatalf("parseCost(%q): expected nil, got %s", tc.in, got)
			}
			continue
		}
		if got == nil || got.String() != tc.want {
			t.Fatalf("parseCost(%q): expected %s, got %v", tc.in, tc.want, got)
		}
	}
}
