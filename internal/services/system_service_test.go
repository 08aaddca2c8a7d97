package services

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/payments"
	"github.com/hanko-field/orderengine/internal/repositories"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

type staticCatalog []string

func (c staticCatalog) Names() []string { return c }

func TestSystemServiceReportsBuildAndGateways(t *testing.T) {
	start := time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{report: domain.SystemHealthReport{
		Status: domain.HealthStatusDegraded,
		Checks: map[string]domain.SystemHealthCheck{
			"postgres": {Status: domain.HealthStatusOK, Critical: true},
			"redis":    {Status: domain.HealthStatusDegraded, Error: "dial tcp: refused"},
		},
	}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Gateways:         staticCatalog{"midtrans", "manual", "stripe"},
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "1.2.3", CommitSHA: "abc123", Environment: "prod", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected redis to only degrade the report, got %s", report.Status)
	}
	if report.Version != "1.2.3" || report.CommitSHA != "abc123" || report.Environment != "prod" {
		t.Fatalf("unexpected build metadata: %+v", report)
	}
	if report.Uptime != 5*time.Minute {
		t.Fatalf("expected 5m uptime, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
	if !reflect.DeepEqual(report.Gateways, []string{"midtrans", "manual", "stripe"}) {
		t.Fatalf("unexpected gateways %v", report.Gateways)
	}
}

func TestSystemServiceWithoutGatewaysIsNotReady(t *testing.T) {
	repo := &stubHealthRepository{report: domain.SystemHealthReport{Status: domain.HealthStatusOK}}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Gateways: staticCatalog{}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if report.Checks == nil {
		t.Fatalf("expected an empty checks map")
	}
}

func TestSystemServiceHealthReportErrors(t *testing.T) {
	expected := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: expected}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error when repository missing")
	}
}

func TestSystemServicePostgresOutageWithBrokenRoute(t *testing.T) {
	mgr, err := payments.NewManager([]payments.Gateway{&stubGateway{name: payments.GatewayStripe}},
		payments.WithCurrencyRoutes(map[string]string{"IDR": payments.GatewayMidtrans}),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "postgres", Critical: true, Check: func(context.Context) error { return errors.New("connection refused") }},
		{Name: "redis", Check: func(context.Context) error { return nil }},
		{Name: "paymentRoutes", Check: mgr.CheckRoutes},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: health, Gateways: mgr})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if got := report.Checks["paymentRoutes"]; got.Status != domain.HealthStatusDegraded || got.Critical {
		t.Fatalf("expected degraded route check, got %+v", got)
	}
	if got := report.Checks["redis"]; got.Status != domain.HealthStatusOK {
		t.Fatalf("expected redis ok, got %+v", got)
	}
	if !reflect.DeepEqual(report.Gateways, []string{payments.GatewayStripe}) {
		t.Fatalf("unexpected gateways %v", report.Gateways)
	}
}
