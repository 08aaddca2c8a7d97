//go:build integration

package firestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	domain "github.com/hanko-field/orderengine/internal/domain"
	pconfig "github.com/hanko-field/orderengine/internal/platform/config"
	pfirestore "github.com/hanko-field/orderengine/internal/platform/firestore"
)

func newEmulatorProvider(t *testing.T) *pfirestore.Provider {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators",
			ExposedPorts: []string{"8080/tcp"},
			Cmd:          []string{"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet"},
			WaitingFor:   wait.ForLog("Dev App Server is now running").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("firestore emulator unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "orders-test", EmulatorHost: endpoint})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})
	return provider
}

func TestWebhookReceiptRepositoryAppendIsIdempotent(t *testing.T) {
	provider := newEmulatorProvider(t)
	repo, err := NewWebhookReceiptRepository(provider)
	require.NoError(t, err)

	ctx := context.Background()
	receipt := domain.WebhookReceipt{
		ID:             "stripe:evt_1",
		Provider:       "stripe",
		OrderReference: "ORD-20260314-000001",
		RawStatus:      "checkout.session.completed",
		Status:         domain.PaymentStatusPaid,
		Outcome:        "applied",
		ReceivedAt:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Append(ctx, receipt))
	require.NoError(t, repo.Append(ctx, receipt), "redelivered receipts must not fail")

	stored, err := repo.receipts.Get(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, "ORD-20260314-000001", stored.OrderReference)
	require.Equal(t, string(domain.PaymentStatusPaid), stored.Status)

	require.Error(t, repo.Append(ctx, domain.WebhookReceipt{}))
}
