package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pvieira/mercurio/internal/api"
	"github.com/pvieira/mercurio/internal/bus"
	"github.com/pvieira/mercurio/internal/command"
	"github.com/pvieira/mercurio/internal/delivery"
	"github.com/pvieira/mercurio/internal/presence"
	"github.com/pvieira/mercurio/internal/queue"
	"github.com/pvieira/mercurio/internal/router"
	"github.com/pvieira/mercurio/internal/store"
)

type fixture struct {
	db  *store.DB
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	rtr := router.New(b, "n1", nil, []string{"deliver.", "order.", "delivery."}, logger)
	reg := presence.NewRegistry(db, "n1", time.Minute, logger)
	cmd := command.NewCoordinator(db, rtr, time.Hour, logger)
	worker := queue.NewWorker(db, time.Millisecond, 5, time.Minute, logger)
	del := delivery.NewCoordinator(db, reg, rtr, rtr, worker, time.Minute, time.Hour, logger)

	s := NewServer(cmd, db, reg, del, rtr, worker, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{db: db, srv: srv}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) command(t *testing.T, key, kind, target string, payload any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.postJSON(t, "/v1/commands", api.CommandRequest{
		IdempotencyKey: key,
		Kind:           kind,
		Target:         target,
		Payload:        raw,
	})
}

func TestCommandMessageIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.EnsureConversation("conv-1", "conv-1", []string{"alice", "bob"}))

	resp := f.command(t, "key-1", api.CommandMessage, "conv-1", api.MessagePayload{SenderID: "alice", Body: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[api.CommandResponse](t, resp)
	assert.Equal(t, "conv-1:1", first.OutcomeID)
	assert.False(t, first.Deduped)

	resp = f.command(t, "key-1", api.CommandMessage, "conv-1", api.MessagePayload{SenderID: "alice", Body: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[api.CommandResponse](t, resp)
	assert.Equal(t, first.OutcomeID, second.OutcomeID)
	assert.True(t, second.Deduped)

	msgs, err := f.db.ReadSince("conv-1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPlaceOrderAndTransitionFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.command(t, "key-1", api.CommandOrder, "store-1", api.OrderPayload{CustomerID: "alice", Detail: "2x coffee"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	placed := decode[api.CommandResponse](t, resp)
	orderID := placed.OutcomeID

	resp = f.postJSON(t, "/v1/orders/"+orderID+"/transition", api.TransitionRequest{ActorID: "store-1", To: "ACCEPTED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	o := decode[api.Order](t, resp)
	assert.Equal(t, "ACCEPTED", o.State)
	assert.Equal(t, "store-1", o.AcceptedBy)

	// COMPLETED is not reachable from ACCEPTED.
	resp = f.postJSON(t, "/v1/orders/"+orderID+"/transition", api.TransitionRequest{ActorID: "store-1", To: "COMPLETED"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	apiErr := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, api.ErrInvalidTransition, apiErr.Error)
}

func TestTransitionCommandConflictReplay(t *testing.T) {
	f := newFixture(t)

	resp := f.command(t, "key-1", api.CommandOrder, "store-1", api.OrderPayload{CustomerID: "alice"})
	orderID := decode[api.CommandResponse](t, resp).OutcomeID

	// Invalid target state straight from PENDING.
	resp = f.command(t, "key-2", api.CommandTransition, orderID, api.TransitionPayload{ActorID: "store-1", To: "COMPLETED"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Same key replays the recorded rejection.
	resp = f.command(t, "key-2", api.CommandTransition, orderID, api.TransitionPayload{ActorID: "store-1", To: "COMPLETED"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	apiErr := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, api.ErrInvalidTransition, apiErr.Error)
}

func TestHistoryAfterCursor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.EnsureConversation("conv-1", "conv-1", []string{"alice", "bob"}))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.db.Append(ctx, "conv-1", "alice", "corr-"+string(rune('a'+i)), "m")
		require.NoError(t, err)
	}

	resp, err := http.Get(f.srv.URL + "/v1/conversations/conv-1/messages?after=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.MessagesResponse](t, resp)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, int64(2), body.Messages[0].Seq)
	assert.Equal(t, int64(3), body.Messages[1].Seq)
}

func TestHeartbeatAndAck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.EnsureConversation("conv-1", "conv-1", []string{"alice", "bob"}))
	_, err := f.db.Append(context.Background(), "conv-1", "alice", "corr-1", "hi")
	require.NoError(t, err)
	require.NoError(t, f.db.CreateReceipt("conv-1", 1, "bob"))

	resp := f.postJSON(t, "/v1/heartbeat", api.HeartbeatRequest{Identity: "bob"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.postJSON(t, "/v1/acks", api.AckRequest{ConversationID: "conv-1", Seq: 1, RecipientID: "bob"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	r, err := f.db.GetReceipt("conv-1", 1, "bob")
	require.NoError(t, err)
	assert.Equal(t, store.ReceiptAcknowledged, r.Status)

	// Acking a delivery that was never recorded is a client bug, not a 204.
	resp = f.postJSON(t, "/v1/acks", api.AckRequest{ConversationID: "conv-1", Seq: 9, RecipientID: "bob"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPresenceLookup(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/v1/presence/bob")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[api.PresenceResponse](t, resp)
	assert.False(t, p.Online)

	hb := f.postJSON(t, "/v1/heartbeat", api.HeartbeatRequest{Identity: "bob"})
	require.Equal(t, http.StatusNoContent, hb.StatusCode)

	resp, err = http.Get(f.srv.URL + "/v1/presence/bob")
	require.NoError(t, err)
	p = decode[api.PresenceResponse](t, resp)
	assert.True(t, p.Online)
	assert.Equal(t, []string{"n1"}, p.Nodes)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)

	resp := f.command(t, "", api.CommandMessage, "conv-1", api.MessagePayload{SenderID: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.command(t, "key-1", "unknown", "conv-1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Get(f.srv.URL + "/v1/conversations/conv-1/messages?after=-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestDeadLetterSurface(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/admin/deadletter")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.JobsResponse](t, resp)
	assert.Empty(t, body.Jobs)

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/admin/deadletter/nope", nil)
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestInboundEnvelopeReachesSubscribers(t *testing.T) {
	f := newFixture(t)

	// Drive the SSE endpoint with a peer envelope addressed to bob.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/events?identity=bob", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload, _ := json.Marshal(map[string]any{"conversation_id": "conv-1", "seq": 1, "payload": "hi"})
	env := router.Envelope{
		ID:             "env-1",
		Origin:         "n2",
		Kind:           delivery.KindDeliverMessage,
		ConversationID: "conv-1",
		Seq:            1,
		Identity:       "bob",
		Timestamp:      time.Now(),
		Payload:        payload,
	}
	// Give the SSE subscriber a moment to attach before publishing.
	time.Sleep(100 * time.Millisecond)
	post := f.postJSON(t, "/internal/events", env)
	require.Equal(t, http.StatusNoContent, post.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") {
			assert.Equal(t, "message", eventName)
			assert.Contains(t, line, `"conversation_id":"conv-1"`)
			return
		}
	}
	t.Fatal("no SSE event received")
}
