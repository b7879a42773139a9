package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/payments"
	"github.com/shopspring/decimal"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	// tokens expire after ~1h; refresh a minute early
	tokenExpirySkew = time.Minute
)

// Client talks to the Daraja B2C API. DisburseFunds is accepted-async: the
// provider answers with conversation ids and posts the outcome to the
// configured result URL later.
type Client struct {
	baseURL            string
	consumerKey        string
	consumerSecret     string
	shortcode          string
	initiatorName      string
	securityCredential string
	resultURL          string
	timeoutURL         string
	http               *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient() (*Client, error) {
	environment := strings.TrimSpace(os.Getenv("MPESA_ENVIRONMENT"))
	baseURL := sandboxBaseURL
	if strings.EqualFold(environment, "production") {
		baseURL = productionBaseURL
	}

	consumerKey := strings.TrimSpace(os.Getenv("MPESA_CONSUMER_KEY"))
	consumerSecret := strings.TrimSpace(os.Getenv("MPESA_CONSUMER_SECRET"))
	if consumerKey == "" || consumerSecret == "" {
		return nil, errors.New("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required")
	}
	shortcode := strings.TrimSpace(os.Getenv("MPESA_SHORTCODE"))
	if shortcode == "" {
		return nil, errors.New("MPESA_SHORTCODE is required")
	}
	initiatorName := strings.TrimSpace(os.Getenv("MPESA_INITIATOR_NAME"))
	securityCredential := strings.TrimSpace(os.Getenv("MPESA_SECURITY_CREDENTIAL"))
	if initiatorName == "" || securityCredential == "" {
		return nil, errors.New("MPESA_INITIATOR_NAME and MPESA_SECURITY_CREDENTIAL are required")
	}
	resultURL := strings.TrimSpace(os.Getenv("MPESA_B2C_RESULT_URL"))
	timeoutURL := strings.TrimSpace(os.Getenv("MPESA_B2C_TIMEOUT_URL"))
	if resultURL == "" || timeoutURL == "" {
		return nil, errors.New("MPESA_B2C_RESULT_URL and MPESA_B2C_TIMEOUT_URL are required")
	}

	timeoutSeconds := 30
	if v := strings.TrimSpace(os.Getenv("PAYMENT_PROVIDER_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutSeconds = n
		}
	}

	return &Client{
		baseURL:            baseURL,
		consumerKey:        consumerKey,
		consumerSecret:     consumerSecret,
		shortcode:          shortcode,
		initiatorName:      initiatorName,
		securityCredential: securityCredential,
		resultURL:          resultURL,
		timeoutURL:         timeoutURL,
		http:               &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", payments.Classify(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &payments.ProviderError{
			Reason:  payments.FailureAuth,
			Message: fmt.Sprintf("token request failed %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.AccessToken == "" {
		return "", &payments.ProviderError{Reason: payments.FailureAuth, Message: "empty access token"}
	}

	// expires_in arrives as a string ("3599")
	lifespan := time.Hour
	if seconds, err := strconv.Atoi(parsed.ExpiresIn); err == nil && seconds > 0 {
		lifespan = time.Duration(seconds) * time.Second
	}

	c.accessToken = parsed.AccessToken
	c.tokenExpiry = time.Now().Add(lifespan - tokenExpirySkew)
	return c.accessToken, nil
}

type b2cRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

func (c *Client) DisburseFunds(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*payments.Result, error) {
	token, err := c.token(ctx)
	if err != nil {
		if pe, ok := payments.AsProviderError(err); ok {
			return nil, pe
		}
		return nil, payments.Classify(err)
	}

	remarks := truncate(reference, 100)
	payload := b2cRequest{
		InitiatorName:      c.initiatorName,
		SecurityCredential: c.securityCredential,
		CommandID:          "BusinessPayment",
		// B2C amounts are whole shillings, truncated; the job row keeps the
		// exact figure and the cents stay with the co-op
		Amount:          amount.Floor().IntPart(),
		PartyA:          c.shortcode,
		PartyB:          strings.TrimPrefix(phone, "+"),
		Remarks:         remarks,
		QueueTimeOutURL: c.timeoutURL,
		ResultURL:       c.resultURL,
		Occasion:        remarks,
	}

	parsed, err := c.postB2C(ctx, token, payload)
	if err != nil {
		return nil, err
	}

	if parsed.ResponseCode != "0" {
		return nil, &payments.ProviderError{
			Reason:  payments.FailureRejected,
			Message: fmt.Sprintf("%s (code %s)", parsed.ResponseDescription, parsed.ResponseCode),
		}
	}

	return &payments.Result{
		ConversationId:           parsed.ConversationID,
		OriginatorConversationId: parsed.OriginatorConversationID,
		Description:              parsed.ResponseDescription,
	}, nil
}

func (c *Client) postB2C(ctx context.Context, token string, payload b2cRequest) (*b2cResponse, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/mpesa/b2c/v1/paymentrequest", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, payments.Classify(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &payments.ProviderError{
			Reason:  payments.FailureAuth,
			Message: fmt.Sprintf("b2c request unauthorized %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &payments.ProviderError{
			Reason:  payments.FailureTransport,
			Message: fmt.Sprintf("daraja api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var parsed b2cResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

type statusRequest struct {
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	TransactionID            string `json:"TransactionID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	PartyA                   string `json:"PartyA"`
	IdentifierType           string `json:"IdentifierType"`
	ResultURL                string `json:"ResultURL"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	Remarks                  string `json:"Remarks"`
	Occasion                 string `json:"Occasion"`
}

// CheckStatus queues a transaction status query. Daraja answers these
// asynchronously too, so a success here only means the query was accepted;
// the definitive outcome still lands on the result callback.
func (c *Client) CheckStatus(ctx context.Context, conversationId string) (*payments.Status, error) {
	token, err := c.token(ctx)
	if err != nil {
		if pe, ok := payments.AsProviderError(err); ok {
			return nil, pe
		}
		return nil, payments.Classify(err)
	}

	payload := statusRequest{
		Initiator:                c.initiatorName,
		SecurityCredential:       c.securityCredential,
		CommandID:                "TransactionStatusQuery",
		OriginatorConversationID: conversationId,
		PartyA:                   c.shortcode,
		IdentifierType:           "4",
		ResultURL:                c.resultURL,
		QueueTimeOutURL:          c.timeoutURL,
		Remarks:                  "status check",
		Occasion:                 "status check",
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/mpesa/transactionstatus/v1/query", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, payments.Classify(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &payments.ProviderError{
			Reason:  payments.FailureTransport,
			Message: fmt.Sprintf("daraja api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var parsed b2cResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	return &payments.Status{
		ConversationId: conversationId,
		Completed:      false,
		Description:    parsed.ResponseDescription,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
