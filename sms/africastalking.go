package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	africasTalkingProdURL    = "https://api.africastalking.com/version1/messaging"
	africasTalkingSandboxURL = "https://api.sandbox.africastalking.com/version1/messaging"
)

// AfricasTalking sends through the bulk SMS V1 endpoint. The sandbox account
// (username "sandbox") is routed to the sandbox host automatically.
type AfricasTalking struct {
	username string
	apiKey   string
	senderId string
	endpoint string
	http     *http.Client
	limiter  <-chan time.Time
}

func NewAfricasTalking() (*AfricasTalking, error) {
	username := strings.TrimSpace(os.Getenv("AFRICASTALKING_USERNAME"))
	if username == "" {
		return nil, errors.New("AFRICASTALKING_USERNAME is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("AFRICASTALKING_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("AFRICASTALKING_API_KEY is required")
	}

	endpoint := africasTalkingProdURL
	if username == "sandbox" {
		endpoint = africasTalkingSandboxURL
	}
	if v := strings.TrimSpace(os.Getenv("AFRICASTALKING_BASE_URL")); v != "" {
		endpoint = strings.TrimRight(v, "/") + "/version1/messaging"
	}

	timeoutSeconds := 30
	if v := strings.TrimSpace(os.Getenv("SMS_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutSeconds = n
		}
	}

	rateLimitPerMin := int64(120)
	if v := strings.TrimSpace(os.Getenv("SMS_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &AfricasTalking{
		username: username,
		apiKey:   apiKey,
		senderId: strings.TrimSpace(os.Getenv("AFRICASTALKING_SENDER_ID")),
		endpoint: endpoint,
		http:     &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		limiter:  time.Tick(interval),
	}, nil
}

type atRecipient struct {
	StatusCode int    `json:"statusCode"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Cost       string `json:"cost"`
	MessageId  string `json:"messageId"`
}

type atResponse struct {
	SMSMessageData struct {
		Message    string        `json:"Message"`
		Recipients []atRecipient `json:"Recipients"`
	} `json:"SMSMessageData"`
}

func (c *AfricasTalking) SendSMS(ctx context.Context, phone string, message string) (*SendResult, error) {
	<-c.limiter

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("to", phone)
	form.Set("message", message)
	if c.senderId != "" {
		form.Set("from", c.senderId)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("apiKey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("africastalking api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed atResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		return nil, fmt.Errorf("africastalking accepted no recipients: %s", parsed.SMSMessageData.Message)
	}

	recipient := parsed.SMSMessageData.Recipients[0]
	switch recipient.StatusCode {
	case 100, 101, 102:
		// Processed, Sent, Queued
	case 402, 403, 404, 406:
		// InvalidSenderId, InvalidPhoneNumber, UnsupportedNumberType, UserInBlacklist
		return nil, &RejectedError{Status: recipient.Status}
	default:
		return nil, fmt.Errorf("africastalking send failed: %s (%d)", recipient.Status, recipient.StatusCode)
	}

	return &SendResult{
		Provider:      "africastalking",
		ProviderMsgId: recipient.MessageId,
		Cost:          parseCost(recipient.Cost),
	}, nil
}

// parseCost reads "KES 0.8000" style amounts. Unparseable costs are dropped,
// not errors.
func parseCost(cost string) *decimal.Decimal {
	fields := strings.Fields(cost)
	if len(fields) != 2 {
		return nil
	}
	amount, err := decimal.NewFromString(fields[1])
	if err != nil {
		return nil
	}
	return &amount
}
