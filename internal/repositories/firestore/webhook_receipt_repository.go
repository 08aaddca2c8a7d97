package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
	pfirestore "github.com/hanko-field/orderengine/internal/platform/firestore"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const webhookReceiptCollection = "webhookReceipts"

// WebhookReceiptRepository appends gateway callbacks to a Firestore audit collection.
type WebhookReceiptRepository struct {
	receipts *pfirestore.Collection[webhookReceiptDocument]
}

var _ repositories.WebhookReceiptRepository = (*WebhookReceiptRepository)(nil)

// NewWebhookReceiptRepository constructs the receipt audit log.
func NewWebhookReceiptRepository(provider *pfirestore.Provider) (*WebhookReceiptRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook receipt repository requires firestore provider")
	}
	return &WebhookReceiptRepository{
		receipts: pfirestore.NewCollection[webhookReceiptDocument](provider, webhookReceiptCollection),
	}, nil
}

// Append stores the receipt under its id. Replaying the same id is not an error.
func (r *WebhookReceiptRepository) Append(ctx context.Context, receipt domain.WebhookReceipt) error {
	id := strings.TrimSpace(receipt.ID)
	if id == "" {
		return pfirestore.Invalid("webhook_receipts.append", "receipt id is required")
	}
	err := r.receipts.Create(ctx, id, encodeWebhookReceipt(receipt))
	if pfirestore.IsAlreadyExists(err) {
		return nil
	}
	return err
}

type webhookReceiptDocument struct {
	Provider              string    `firestore:"provider"`
	OrderReference        string    `firestore:"orderReference"`
	ProviderTransactionID string    `firestore:"providerTransactionId,omitempty"`
	RawStatus             string    `firestore:"rawStatus"`
	Status                string    `firestore:"status"`
	Outcome               string    `firestore:"outcome"`
	Error                 string    `firestore:"error,omitempty"`
	ReceivedAt            time.Time `firestore:"receivedAt"`
}

func encodeWebhookReceipt(receipt domain.WebhookReceipt) webhookReceiptDocument {
	return webhookReceiptDocument{
		Provider:              receipt.Provider,
		OrderReference:        receipt.OrderReference,
		ProviderTransactionID: receipt.ProviderTransactionID,
		RawStatus:             receipt.RawStatus,
		Status:                string(receipt.Status),
		Outcome:               receipt.Outcome,
		Error:                 receipt.Error,
		ReceivedAt:            receipt.ReceivedAt.UTC(),
	}
}
