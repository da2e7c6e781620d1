package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/inboxflow/internal/engine"
	"github.com/petrijr/inboxflow/internal/taskqueue"
	"github.com/petrijr/inboxflow/pkg/api"
	"github.com/petrijr/inboxflow/pkg/worker"
)

type stubCollab struct {
	needsResponse bool
	failApply     atomic.Bool
}

func (s *stubCollab) Retrieve(ctx context.Context, itemID string) (api.RetrievedContext, error) {
	return api.RetrievedContext{History: []string{"earlier"}}, nil
}

func (s *stubCollab) Classify(ctx context.Context, item api.Item) (api.ClassificationResult, error) {
	return api.ClassificationResult{NeedsResponse: s.needsResponse, Category: "work", Priority: "high"}, nil
}

func (s *stubCollab) Generate(ctx context.Context, req api.DraftRequest) (string, error) {
	return "Thanks, " + req.Item.Sender, nil
}

func (s *stubCollab) Notify(ctx context.Context, ownerID string, payload api.NotificationPayload) (string, error) {
	return "msg-" + payload.ItemID, nil
}

func (s *stubCollab) Apply(ctx context.Context, itemID string, decision api.Decision) (string, error) {
	if s.failApply.Load() {
		return "", &api.HTTPStatusError{Code: http.StatusBadRequest, Err: errors.New("rejected recipient")}
	}
	return "applied:" + string(decision.Kind), nil
}

func newTestServer(t *testing.T, needsResponse bool, opts ...Option) (*httptest.Server, *stubCollab, api.Engine) {
	t.Helper()
	collab := &stubCollab{needsResponse: needsResponse}
	eng, err := engine.NewInMemoryEngine(api.Collaborators{
		Retriever:  collab,
		Classifier: collab,
		Drafter:    collab,
		Messenger:  collab,
		Actions:    collab,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(eng, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, collab, eng
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

const itemJSON = `{"id":"item-1","owner_id":"owner-1","subject":"Quarterly report","sender":"alice@example.com","body":"Can you review?"}`

func TestServer_SubmitAndDecide(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/items", itemJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var view InstanceView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, engine.InstanceID("owner-1", "item-1"), view.ID)
	assert.Equal(t, api.StatusSuspended, view.Status)
	assert.Equal(t, "msg-item-1", view.MessageRef)
	assert.Equal(t, "Thanks, alice@example.com", view.Draft)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/decisions/msg-item-1", `{"event_id":"cb-1","kind":"approve","decided_by":"owner-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, api.StatusCompleted, view.Status)
	assert.Equal(t, "applied:approve", view.ActionAck)

	// Redelivery of the same callback is a no-op.
	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/decisions/msg-item-1", `{"event_id":"cb-1","kind":"reject"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "applied:approve", view.ActionAck)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/instances/"+view.ID+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var events []EventView
	require.NoError(t, json.Unmarshal(body, &events))
	assert.NotEmpty(t, events)
}

func TestServer_RejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/items", `{"id":"item-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/items", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/decisions/msg-x", `{"kind":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/decisions/unknown-ref", `{"kind":"approve"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "error")

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/instances/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/errors?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/stalled?older_than=soon", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ErrorsAndRetry(t *testing.T) {
	srv, collab, _ := newTestServer(t, false)
	collab.failApply.Store(true)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/items", itemJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view InstanceView
	require.NoError(t, json.Unmarshal(body, &view))
	require.Equal(t, api.StatusError, view.Status)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/errors?owner=owner-1&error_type=permanent", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var list []api.InstanceSummary
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, api.StageExecuteAction, list[0].FailedStage)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/errors?owner=owner-2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	collab.failApply.Store(false)
	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/instances/"+view.ID+"/retry", `{"actor":"ops"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, api.StatusCompleted, view.Status)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/instances/"+view.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_Cancel(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/items", itemJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view InstanceView
	require.NoError(t, json.Unmarshal(body, &view))

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/instances/"+view.ID+"/cancel", `{"reason":"spam"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, api.StatusCompleted, view.Status)
	assert.True(t, view.Cancelled)
	assert.Equal(t, "spam", view.CancelReason)
}

func TestServer_StalledEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/stalled", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `[]`, string(body))

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/stalled/recover?older_than=1m", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_QueuedIntake(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	collab := &stubCollab{needsResponse: true}
	eng, err := engine.NewInMemoryEngine(api.Collaborators{
		Retriever: collab, Classifier: collab, Drafter: collab, Messenger: collab, Actions: collab,
	})
	require.NoError(t, err)
	w := worker.New(eng, queue)

	srv := httptest.NewServer(NewServer(eng, WithWorker(w)).Handler())
	defer srv.Close()

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/items", itemJSON)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted AcceptedResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, engine.InstanceID("owner-1", "item-1"), accepted.InstanceID)
	assert.Equal(t, 1, queue.Len())

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/instances/"+accepted.InstanceID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view InstanceView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, api.StatusSuspended, view.Status)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/decisions/"+view.MessageRef, `{"kind":"approve"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/instances/"+view.ID+"/retry", `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
