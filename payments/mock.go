package payments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MockDisbursement struct {
	Phone     string
	Amount    decimal.Decimal
	Reference string
	Result    *Result
}

// MockProvider accepts every disbursement with generated conversation ids.
// Tests can inject per-phone failures and artificial latency.
type MockProvider struct {
	mu            sync.Mutex
	Disbursements []MockDisbursement

	// FailFor maps a phone to the failure its disbursement should produce.
	FailFor map[string]FailureReason
	// Delay is applied before answering, for timeout tests.
	Delay time.Duration
}

func NewMockProvider() *MockProvider {
	return &MockProvider{FailFor: map[string]FailureReason{}}
}

func (m *MockProvider) DisburseFunds(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reason, ok := m.FailFor[phone]; ok {
		return nil, &ProviderError{Reason: reason, Message: "injected failure"}
	}

	result := &Result{
		ConversationId:           "AG_" + uuid.NewString(),
		OriginatorConversationId: uuid.NewString(),
		Description:              "Accept the service request successfully.",
	}
	m.Disbursements = append(m.Disbursements, MockDisbursement{
		Phone:     phone,
		Amount:    amount,
		Reference: reference,
		Result:    result,
	})
	return result, nil
}

func (m *MockProvider) CheckStatus(ctx context.Context, conversationId string) (*Status, error) {
	return &Status{
		ConversationId: conversationId,
		Completed:      true,
		TransactionId:  "MOCK" + uuid.NewString()[:8],
		Description:    "Completed",
	}, nil
}

func (m *MockProvider) DisbursedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Disbursements)
}
