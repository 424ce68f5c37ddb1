package events

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/atmx/credit-pool/internal/model"
)

const (
	alice model.Address = "0x00000000000000000000000000000000000000a1"
	bob   model.Address = "0x00000000000000000000000000000000000000b0"
)

func dial(t *testing.T, h *Hub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := h.Clients()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_BroadcastsEvents(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	all := dial(t, h, srv, "")
	onlyBob := dial(t, h, srv, "?account="+string(bob))

	h.Publish(nil, []model.Event{
		{ID: "1", Kind: model.EventDelegated, Account: alice, Amount: "10"},
		{ID: "2", Kind: model.EventUtilized, Account: bob, Amount: "5"},
	})

	first := readEvent(t, all)
	require.Equal(t, "pool_event", first.Type)
	require.Equal(t, "1", first.Event.ID)
	require.Equal(t, "2", readEvent(t, all).Event.ID)

	filtered := readEvent(t, onlyBob)
	require.Equal(t, "2", filtered.Event.ID, "account subscription must skip other accounts")
	require.Equal(t, bob, filtered.Event.Account)
}

func TestHub_RejectsBadAccountFilter(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?account=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub() // Run not started: nothing drains the buffer.
	events := make([]model.Event, 300)
	for i := range events {
		events[i] = model.Event{ID: "x", Kind: model.EventAccrued}
	}
	done := make(chan struct{})
	go func() {
		h.Publish(nil, events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestPublisher_SubjectPerKind(t *testing.T) {
	nc := &fakeConn{}
	p := NewPublisher(nc, "")

	p.Publish(nil, []model.Event{
		{ID: "a", Kind: model.EventWithdrawRequested, Account: alice, RequestID: 3},
		{ID: "b", Kind: model.EventParamUpdated, Field: "min_delegate", Value: "5"},
	})

	require.Equal(t, []string{
		"creditpool.events.withdraw_requested",
		"creditpool.events.param_updated",
	}, nc.subjects)

	var got model.Event
	require.NoError(t, json.Unmarshal(nc.payloads[0], &got))
	require.Equal(t, uint64(3), got.RequestID)
	require.Equal(t, alice, got.Account)
}

func TestPublisher_ErrorsAreNotFatal(t *testing.T) {
	nc := &fakeConn{err: errors.New("disconnected")}
	p := NewPublisher(nc, "pool")
	require.NotPanics(t, func() {
		p.Publish(nil, []model.Event{{ID: "a", Kind: model.EventAccrued}})
	})
	require.Equal(t, "pool.accrued", p.SubjectFor(model.EventAccrued))
}

func TestPublisher_NATSRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("test.creditpool.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	NewPublisher(nc, "test.creditpool").Publish(nil, []model.Event{{ID: "n1", Kind: model.EventRepaid, Account: bob}})
	require.NoError(t, nc.Flush())

	select {
	case m := <-msgs:
		require.Equal(t, "test.creditpool.repaid", m.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
