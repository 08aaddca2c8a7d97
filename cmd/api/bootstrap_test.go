package main

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/hanko-field/orderengine/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	got := requiredSecretNames(map[string]string{
		"ORDERS_PSP_STRIPE_API_KEY":      "secret://orders/stripe-key",
		"ORDERS_PSP_MIDTRANS_SERVER_KEY": "",
	})
	want := []string{"PSP.StripeAPIKey", "PSP.StripeWebhookSecret", "Postgres.DSN"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSecretVersionPins(t *testing.T) {
	pins := secretVersionPins("prod:orders/stripe=3, sm://orders/midtrans=7,broken")
	want := map[string]string{
		"prod:secret://orders/stripe": "3",
		"secret://orders/midtrans":    "7",
	}
	if !reflect.DeepEqual(pins, want) {
		t.Fatalf("expected %v, got %v", want, pins)
	}
}

func TestNewEventPublisherBackends(t *testing.T) {
	publisher, closer, err := newEventPublisher(context.Background(), config.Config{Events: config.EventsConfig{Backend: "none"}})
	if err != nil || publisher != nil || closer != nil {
		t.Fatalf("expected no publisher for none backend, got %v %v", publisher, err)
	}
	if _, _, err := newEventPublisher(context.Background(), config.Config{Events: config.EventsConfig{Backend: "carrier-pigeon"}}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if _, _, err := newEventPublisher(context.Background(), config.Config{Events: config.EventsConfig{Backend: "kafka", Topic: "orders"}}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestNewGatewayManagerRequiresCredentials(t *testing.T) {
	if _, err := newGatewayManager(config.Config{}, nil); err == nil {
		t.Fatalf("expected error when no gateway is configured")
	}
}

func TestGatewayCredentialsFollowSecretRefs(t *testing.T) {
	cfg := config.Config{
		PSP: config.PSPConfig{
			StripeAPIKey:        "sk_live_1",
			StripeWebhookSecret: "whsec_1",
			MidtransServerKey:   "SB-Mid-server-plain",
		},
		SecretRefs: map[string]string{
			"Postgres.DSN":     "secret://orders/dsn",
			"PSP.StripeAPIKey": "secret://stripe-api-key",
		},
	}

	credentials := gatewayCredentials(cfg, nil)
	if len(credentials) != 1 || credentials[0].Gateway != "stripe" {
		t.Fatalf("expected only stripe to rotate, got %+v", credentials)
	}
	if want := map[string]string{"PSP.StripeAPIKey": "secret://stripe-api-key"}; !reflect.DeepEqual(credentials[0].Refs, want) {
		t.Fatalf("expected refs %v, got %v", want, credentials[0].Refs)
	}

	gateway, err := credentials[0].Build(map[string]string{"PSP.StripeAPIKey": "sk_live_2"})
	if err != nil {
		t.Fatalf("build rotated gateway: %v", err)
	}
	if gateway.Name() != "stripe" {
		t.Fatalf("expected stripe gateway, got %s", gateway.Name())
	}

	if _, err := credentials[0].Build(map[string]string{"PSP.StripeAPIKey": ""}); err == nil {
		t.Fatalf("expected an empty rotated key to be rejected")
	}
}

func TestHandlerTimeoutStaysUnderWriteDeadline(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                0,
		2 * time.Second:  time.Second,
		30 * time.Second: 29 * time.Second,
	}
	for write, want := range cases {
		if got := handlerTimeout(write); got != want {
			t.Fatalf("write timeout %s: expected %s, got %s", write, want, got)
		}
	}
}
