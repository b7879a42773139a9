package sms

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type SendResult struct {
	Provider      string
	ProviderMsgId string
	Cost          *decimal.Decimal
}

// Provider sends a single rendered message. Implementations return
// RejectedError for failures that will never succeed on retry.
type Provider interface {
	SendSMS(ctx context.Context, phone string, message string) (*SendResult, error)
}

// RejectedError marks a permanent provider failure (bad number, blacklisted
// recipient). The dispatcher stops retrying on these.
type RejectedError struct {
	Status string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sms rejected: %s", e.Status)
}

func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
