package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobtrackd/jobtrackd/config"
	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

type mockWebhookRepository struct {
	mu sync.Mutex

	listActiveForEventFunc func(ctx context.Context, event model.EventType) ([]*model.Webhook, error)
	insertFunc             func(ctx context.Context, req *model.CreateWebhookRequest) (*model.Webhook, error)
	updateFunc             func(ctx context.Context, id string, req *model.UpdateWebhookRequest) (*model.Webhook, error)
	deleteFunc             func(ctx context.Context, id string) (bool, error)
	getByIDFunc            func(ctx context.Context, id string) (*model.Webhook, error)
	listFunc               func(ctx context.Context, limit, offset int) ([]*model.Webhook, error)

	triggered []core.MarkTriggeredParams
}

func (m *mockWebhookRepository) Insert(ctx context.Context, req *model.CreateWebhookRequest) (*model.Webhook, error) {
	if m.insertFunc != nil {
		return m.insertFunc(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockWebhookRepository) GetByID(ctx context.Context, id string) (*model.Webhook, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockWebhookRepository) Update(
	ctx context.Context,
	id string,
	req *model.UpdateWebhookRequest,
) (*model.Webhook, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, id, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockWebhookRepository) Delete(ctx context.Context, id string) (bool, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id)
	}
	return false, errors.New("not implemented")
}

func (m *mockWebhookRepository) ListActiveForEvent(
	ctx context.Context,
	event model.EventType,
) ([]*model.Webhook, error) {
	if m.listActiveForEventFunc != nil {
		return m.listActiveForEventFunc(ctx, event)
	}
	return nil, nil
}

func (m *mockWebhookRepository) List(ctx context.Context, limit, offset int) ([]*model.Webhook, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, limit, offset)
	}
	return nil, errors.New("not implemented")
}

func (m *mockWebhookRepository) MarkTriggered(ctx context.Context, params core.MarkTriggeredParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered = append(m.triggered, params)
	return nil
}

func (m *mockWebhookRepository) triggeredParams() []core.MarkTriggeredParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.MarkTriggeredParams(nil), m.triggered...)
}

type mockDeliveryRepository struct {
	mu      sync.Mutex
	records []*model.DeliveryRecord

	deleteOlderThanFunc func(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

func (m *mockDeliveryRepository) Insert(ctx context.Context, record *model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *mockDeliveryRepository) List(ctx context.Context, limit, offset int) ([]*model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.DeliveryRecord(nil), m.records...), nil
}

func (m *mockDeliveryRepository) DeleteOlderThan(
	ctx context.Context,
	cutoff time.Time,
	batchSize int,
) (int64, error) {
	if m.deleteOlderThanFunc != nil {
		return m.deleteOlderThanFunc(ctx, cutoff, batchSize)
	}
	return 0, nil
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BatchSize:   10,
		BatchPause:  time.Millisecond,
		QueueSize:   8,
		Workers:     1,
		UserAgent:   "jobtrackd-test/1.0",
	}
}

func testJob() *model.Job {
	return &model.Job{
		ID:        "job-1",
		Name:      "nightly export",
		Status:    model.JobStatusRunning,
		Progress:  40,
		Tags:      []string{"export"},
		Metadata:  map[string]string{"region": "us-east"},
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
	}
}

func statusEvent(job *model.Job, previous model.JobStatus) model.StatusChangeEvent {
	return model.StatusChangeEvent{
		Job:        job,
		Previous:   previous,
		OccurredAt: time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
	}
}

func newTestDeliveryService(t *testing.T, hooks *mockWebhookRepository, records *mockDeliveryRepository) *DeliveryService {
	t.Helper()
	svc, err := NewDeliveryService(DeliveryServiceOptions{
		Webhooks:   hooks,
		Deliveries: records,
		Config:     testDeliveryConfig(),
	})
	require.NoError(t, err)
	return svc
}

func singleHookRepo(hook *model.Webhook) *mockWebhookRepository {
	return &mockWebhookRepository{
		listActiveForEventFunc: func(ctx context.Context, event model.EventType) ([]*model.Webhook, error) {
			if hook.SubscribedTo(event) {
				return []*model.Webhook{hook}, nil
			}
			return nil, nil
		},
	}
}

func TestDeliveryService_Dispatch_Success(t *testing.T) {
	var gotBody json.RawMessage
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := &model.Webhook{
		ID:      "wh-1",
		URL:     server.URL,
		Events:  []model.EventType{model.EventStatusChange},
		Headers: map[string]string{"X-Token": "secret"},
	}
	hooks := singleHookRepo(hook)
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, hooks, records)

	err := svc.Dispatch(context.Background(), statusEvent(testJob(), model.JobStatusPending))
	require.NoError(t, err)

	require.Len(t, records.records, 1)
	rec := records.records[0]
	assert.Equal(t, "wh-1", rec.WebhookID)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, model.EventStatusChange, rec.EventType)
	require.NotNil(t, rec.StatusCode)
	assert.Equal(t, http.StatusOK, *rec.StatusCode)
	assert.Nil(t, rec.ErrorMessage)
	assert.Equal(t, 0, rec.RetryCount)
	assert.NotNil(t, rec.DeliveredAt)
	assert.True(t, rec.Succeeded())

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "jobtrackd-test/1.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "secret", gotHeaders.Get("X-Token"))

	var env map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "status_change", env["event"])

	triggered := hooks.triggeredParams()
	require.Len(t, triggered, 1)
	assert.Equal(t, "wh-1", triggered[0].WebhookID)
	assert.Equal(t, 0, triggered[0].Retries)
}

func TestDeliveryService_Dispatch_CompletionSubscriber(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	done := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	job := testJob()
	job.Status = model.JobStatusCompleted
	job.CompletedAt = &done

	// Subscribed to completion only; the transition into completed still
	// reaches it even though the dispatched event is a status change.
	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    server.URL,
		Events: []model.EventType{model.EventCompletion},
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	err := svc.Dispatch(context.Background(), statusEvent(job, model.JobStatusRunning))
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	require.Len(t, records.records, 1)
	assert.Equal(t, model.EventStatusChange, records.records[0].EventType)
}

func TestDeliveryService_Dispatch_DeduplicatesOverlappingSubscriptions(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	job := testJob()
	job.Status = model.JobStatusFailed
	job.Error = ptr("disk full")

	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    server.URL,
		Events: []model.EventType{model.EventStatusChange, model.EventFailure},
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	err := svc.Dispatch(context.Background(), statusEvent(job, model.JobStatusRunning))
	require.NoError(t, err)

	// Matching both event types still yields a single delivery.
	assert.Equal(t, 1, calls)
	require.Len(t, records.records, 1)
}

func TestDeliveryService_Dispatch_ClientErrorIsTerminal(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer server.Close()

	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    server.URL,
		Events: []model.EventType{model.EventStatusChange},
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	err := svc.Dispatch(context.Background(), statusEvent(testJob(), model.JobStatusPending))
	require.NoError(t, err)

	// 4xx never retries.
	assert.Equal(t, 1, calls)

	require.Len(t, records.records, 1)
	rec := records.records[0]
	require.NotNil(t, rec.StatusCode)
	assert.Equal(t, http.StatusNotFound, *rec.StatusCode)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "404")
	assert.Equal(t, 0, rec.RetryCount)
	assert.Nil(t, rec.DeliveredAt)
	assert.False(t, rec.Succeeded())
}

func TestDeliveryService_Dispatch_ServerErrorRetriesToExhaustion(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    server.URL,
		Events: []model.EventType{model.EventStatusChange},
	}
	hooks := singleHookRepo(hook)
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, hooks, records)

	err := svc.Dispatch(context.Background(), statusEvent(testJob(), model.JobStatusPending))
	require.NoError(t, err)

	// Initial attempt plus MaxRetries.
	assert.Equal(t, 4, calls)

	require.Len(t, records.records, 1)
	rec := records.records[0]
	assert.Equal(t, 3, rec.RetryCount)
	assert.Nil(t, rec.DeliveredAt)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "503")

	triggered := hooks.triggeredParams()
	require.Len(t, triggered, 1)
	assert.Equal(t, 3, triggered[0].Retries)
}

func TestDeliveryService_Dispatch_RecoversMidChain(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "not yet", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    server.URL,
		Events: []model.EventType{model.EventStatusChange},
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	err := svc.Dispatch(context.Background(), statusEvent(testJob(), model.JobStatusPending))
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	require.Len(t, records.records, 1)
	rec := records.records[0]
	assert.Equal(t, 2, rec.RetryCount)
	assert.NotNil(t, rec.DeliveredAt)
	assert.Nil(t, rec.ErrorMessage)
}

func TestDeliveryService_Dispatch_ConnectionFailureRetries(t *testing.T) {
	// A closed server makes every attempt fail at the transport level.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    server.URL,
		Events: []model.EventType{model.EventStatusChange},
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	err := svc.Dispatch(context.Background(), statusEvent(testJob(), model.JobStatusPending))
	require.NoError(t, err)

	require.Len(t, records.records, 1)
	rec := records.records[0]
	assert.Equal(t, 3, rec.RetryCount)
	assert.Nil(t, rec.StatusCode)
	assert.Nil(t, rec.DeliveredAt)
	require.NotNil(t, rec.ErrorMessage)
}

func TestDeliveryService_Dispatch_NoSubscribersIsNoOp(t *testing.T) {
	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    "http://127.0.0.1:1",
		Events: []model.EventType{model.EventStatusChange},
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	// The hook only subscribes to status changes.
	event := model.ProgressUpdateEvent{Job: testJob(), Previous: 10, OccurredAt: time.Now().UTC()}
	err := svc.Dispatch(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, records.records)
}

func TestDeliveryService_Dispatch_BodyTemplate(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		gotBody, err = readBoundedBody(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tmpl := `{text: join(' ', ['job', job.name, 'is', job.status])}`
	hook := &model.Webhook{
		ID:           "wh-1",
		URL:          server.URL,
		Events:       []model.EventType{model.EventStatusChange},
		BodyTemplate: &tmpl,
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	err := svc.Dispatch(context.Background(), statusEvent(testJob(), model.JobStatusPending))
	require.NoError(t, err)

	var rendered map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &rendered))
	assert.Equal(t, "job nightly export is running", rendered["text"])

	// The audit record keeps the untemplated payload.
	require.Len(t, records.records, 1)
	var env map[string]any
	require.NoError(t, json.Unmarshal(records.records[0].Payload, &env))
	assert.Equal(t, "status_change", env["event"])
}

func TestDeliveryService_Enqueue_DropsWhenFull(t *testing.T) {
	hooks := &mockWebhookRepository{}
	records := &mockDeliveryRepository{}
	cfg := testDeliveryConfig()
	cfg.QueueSize = 1
	svc, err := NewDeliveryService(DeliveryServiceOptions{
		Webhooks:   hooks,
		Deliveries: records,
		Config:     cfg,
	})
	require.NoError(t, err)

	event := statusEvent(testJob(), model.JobStatusPending)
	// No workers running: the second enqueue must drop, not block.
	svc.Enqueue(context.Background(), event)
	done := make(chan struct{})
	go func() {
		svc.Enqueue(context.Background(), event)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestDeliveryService_Run_StopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := &model.Webhook{
		ID:     "wh-1",
		URL:    server.URL,
		Events: []model.EventType{model.EventStatusChange},
	}
	records := &mockDeliveryRepository{}
	svc := newTestDeliveryService(t, singleHookRepo(hook), records)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- svc.Run(ctx)
	}()

	svc.Enqueue(ctx, statusEvent(testJob(), model.JobStatusPending))

	require.Eventually(t, func() bool {
		records.mu.Lock()
		defer records.mu.Unlock()
		return len(records.records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestDeliveryService_History(t *testing.T) {
	records := &mockDeliveryRepository{
		records: []*model.DeliveryRecord{{ID: "rec-1"}, {ID: "rec-2"}},
	}
	svc := newTestDeliveryService(t, &mockWebhookRepository{}, records)

	got, err := svc.History(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
