package payments

import (
	"context"

	"github.com/shopspring/decimal"
)

type Result struct {
	ConversationId           string `json:"conversation_id"`
	OriginatorConversationId string `json:"originator_conversation_id"`
	Description              string `json:"description"`
}

type Status struct {
	ConversationId string `json:"conversation_id"`
	Completed      bool   `json:"completed"`
	TransactionId  string `json:"transaction_id"`
	Description    string `json:"description"`
}

// Provider initiates payouts. DisburseFunds is asynchronous on the provider
// side: a successful call means the request was accepted, completion arrives
// later through the result callback keyed by conversation id.
type Provider interface {
	DisburseFunds(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*Result, error)
	CheckStatus(ctx context.Context, conversationId string) (*Status, error)
}
