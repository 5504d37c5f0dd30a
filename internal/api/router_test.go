package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/api"
	"github.com/notifyhub/delivery-pipeline/internal/api/handler"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/service"
)

type fakeRunner struct {
	results map[domain.Channel]*domain.RunResult
	err     error
	calls   []domain.Channel
}

func (f *fakeRunner) Run(_ context.Context, ch domain.Channel) (*domain.RunResult, error) {
	f.calls = append(f.calls, ch)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[ch], nil
}

func (f *fakeRunner) RunAll(ctx context.Context) ([]*domain.RunResult, error) {
	var out []*domain.RunResult
	for _, ch := range domain.Channels {
		res, err := f.Run(ctx, ch)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

type testServer struct {
	handler    http.Handler
	runner     *fakeRunner
	deliveries *repository.MockDeliveryRepository
	devices    *repository.MockDeviceRepository
}

func newTestServer(checks map[string]handler.Check) *testServer {
	deliveries := repository.NewMockDeliveryRepository()
	devices := repository.NewMockDeviceRepository()
	svc := service.NewDeliveryService(deliveries, devices, repository.NewMockStatusRepository(), zap.NewNop())
	runner := &fakeRunner{results: map[domain.Channel]*domain.RunResult{}}
	return &testServer{
		handler:    api.NewRouter(svc, runner, checks, prometheus.NewRegistry(), zap.NewNop()),
		runner:     runner,
		deliveries: deliveries,
		devices:    devices,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

const nid = "5f0c7a2e-7d8b-4c3f-9a41-1b2c3d4e5f60"

func TestEnqueueDelivery(t *testing.T) {
	s := newTestServer(nil)

	body := fmt.Sprintf(`{"notification_id":%q,"channel":"email","target":"ada@example.com",
		"payload":{"subject":"Task assigned","text":"hi"},"priority":3}`, nid)
	rec := s.do(t, http.MethodPost, "/api/v1/deliveries", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var got domain.DeliveryRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != domain.StatusPending || got.Priority != 3 {
		t.Fatalf("unexpected record %+v", got)
	}

	statusRec := s.do(t, http.MethodGet, "/api/v1/notifications/"+nid+"/delivery-status", "")
	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusRec.Code)
	}
}

func TestEnqueueDelivery_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad channel", fmt.Sprintf(`{"notification_id":%q,"channel":"sms","target":"x","payload":{}}`, nid), http.StatusUnprocessableEntity},
		{"bad payload", fmt.Sprintf(`{"notification_id":%q,"channel":"push","target":"{}","payload":{"title":"t"}}`, nid), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(nil)
			if rec := s.do(t, http.MethodPost, "/api/v1/deliveries", tt.body); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	s := newTestServer(nil)
	s.deliveries.CreateErr = fmt.Errorf("insert: %w", domain.ErrStoreUnavailable)
	body := fmt.Sprintf(`{"notification_id":%q,"channel":"email","target":"a@b.c","payload":{"subject":"s","text":"t"}}`, nid)
	if rec := s.do(t, http.MethodPost, "/api/v1/deliveries", body); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDeliveryStatus_NotFound(t *testing.T) {
	s := newTestServer(nil)
	if rec := s.do(t, http.MethodGet, "/api/v1/notifications/"+nid+"/delivery-status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	s := newTestServer(nil)
	cred := `{"endpoint":"https://push.example/1","keys":{"p256dh":"BNc","auth":"tBH"}}`

	rec := s.do(t, http.MethodPost, "/api/v1/users/u1/devices", `{"credential":`+cred+`}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("subscribe: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var device domain.DeviceEndpoint
	_ = json.Unmarshal(rec.Body.Bytes(), &device)

	if rec := s.do(t, http.MethodPost, "/api/v1/users/u1/devices", `{"credential":{}}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("malformed credential: expected 422, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPatch, "/api/v1/devices/"+device.ID, `{"enabled":false}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enabled":false`) {
		t.Fatalf("disable: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPatch, "/api/v1/devices/missing", `{"enabled":true}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device: expected 404, got %d", rec.Code)
	}

	// The only device is disabled, so fan-out has nothing to target.
	notify := fmt.Sprintf(`{"title":"t","body":"b","data":{"notification_id":%q}}`, nid)
	if rec := s.do(t, http.MethodPost, "/api/v1/users/u1/notify", notify); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("notify without devices: expected 422, got %d", rec.Code)
	}
	s.do(t, http.MethodPatch, "/api/v1/devices/"+device.ID, `{"enabled":true}`)
	if rec := s.do(t, http.MethodPost, "/api/v1/users/u1/notify", notify); rec.Code != http.StatusCreated {
		t.Fatalf("notify: expected 201, got %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/v1/users/u1/devices", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), device.ID) {
		t.Fatalf("list: got %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodDelete, "/api/v1/users/u1/devices", `{"endpoint":"https://push.example/1"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":true`) {
		t.Fatalf("unsubscribe: got %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodDelete, "/api/v1/users/u1/devices/all", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":0`) {
		t.Fatalf("unsubscribe all: got %d %s", rec.Code, rec.Body.String())
	}
}

func TestProcessQueue(t *testing.T) {
	s := newTestServer(nil)
	s.runner.results[domain.ChannelEmail] = &domain.RunResult{
		Channel: domain.ChannelEmail, Processed: 1, Sent: 1,
		Results: []domain.ItemResult{{ID: "r1", Status: domain.StatusSent}},
	}
	s.runner.results[domain.ChannelPush] = &domain.RunResult{
		Channel: domain.ChannelPush, Processed: 2, Failed: 2,
		Results: []domain.ItemResult{{ID: "r2", Status: domain.StatusFailed}, {ID: "r3", Status: domain.StatusFailed}},
	}

	rec := s.do(t, http.MethodPost, "/api/v1/queues/EMAIL/process", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var single domain.RunResult
	_ = json.Unmarshal(rec.Body.Bytes(), &single)
	if single.Processed != 1 || single.Sent != 1 || len(single.Results) != 1 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/api/v1/queues/process", "")
	var all struct {
		Processed int                 `json:"processed"`
		Sent      int                 `json:"sent"`
		Failed    int                 `json:"failed"`
		Results   []domain.ItemResult `json:"results"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &all)
	if rec.Code != http.StatusOK || all.Processed != 3 || all.Sent != 1 || all.Failed != 2 || len(all.Results) != 3 {
		t.Fatalf("unexpected composite result %d %s", rec.Code, rec.Body.String())
	}

	if rec := s.do(t, http.MethodPost, "/api/v1/queues/sms/process", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown channel: expected 422, got %d", rec.Code)
	}
}

func TestProcessQueue_StoreUnavailable(t *testing.T) {
	s := newTestServer(nil)
	s.runner.err = fmt.Errorf("email run: %w", domain.ErrStoreUnavailable)

	rec := s.do(t, http.MethodPost, "/api/v1/queues/email/process", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	if rec := s.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("liveness: expected 200, got %d", rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("readiness: got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoints(t *testing.T) {
	s := newTestServer(nil)

	rec := s.do(t, http.MethodGet, "/api/v1/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"queue_depth"`) {
		t.Fatalf("json snapshot: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("scrape endpoint: expected 200, got %d", rec.Code)
	}
}
