package sms

import (
	"context"
	"fmt"
	"sync"
)

type MockSend struct {
	Phone   string
	Message string
}

// MockProvider records sends in memory. Used in tests and when no SMS
// credentials are configured.
type MockProvider struct {
	mu    sync.Mutex
	Sends []MockSend

	// FailFor makes SendSMS fail for the given phone. A true value means a
	// permanent rejection, false a retryable error.
	FailFor map[string]bool
}

func NewMockProvider() *MockProvider {
	return &MockProvider{FailFor: map[string]bool{}}
}

func (m *MockProvider) SendSMS(ctx context.Context, phone string, message string) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if permanent, ok := m.FailFor[phone]; ok {
		if permanent {
			return nil, &RejectedError{Status: "InvalidPhoneNumber"}
		}
		return nil, fmt.Errorf("mock transport failure for %s", phone)
	}

	m.Sends = append(m.Sends, MockSend{Phone: phone, Message: message})
	return &SendResult{
		Provider:      "mock",
		ProviderMsgId: fmt.Sprintf("mock-%d", len(m.Sends)),
	}, nil
}

func (m *MockProvider) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sends)
}
