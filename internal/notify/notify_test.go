package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
)

func orderEvent() models.Event {
	return models.Event{
		Type: models.EventOrderCreated,
		Order: &models.Order{
			ID: 7, UserID: 2, SymbolID: 1, Side: models.SideBuy,
			Price: ledger.MustParse("50000"), Amount: ledger.MustParse("0.5"), Status: models.StatusOpen,
		},
		OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func tradeEvent() models.Event {
	return models.Event{
		Type: models.EventTradeExecuted,
		Trade: &models.Trade{
			ID: 3, BuyOrderID: 7, SellOrderID: 6, BuyerID: 2, SellerID: 3, SymbolID: 1,
			Price: ledger.MustParse("50000"), Amount: ledger.MustParse("1"),
			Total: ledger.MustParse("50000"), Commission: ledger.MustParse("0.015"),
		},
	}
}

func TestRoute(t *testing.T) {
	assert.Equal(t, []string{"orders"}, Route(orderEvent()))
	assert.Equal(t, []string{"user.2", "user.3"}, Route(tradeEvent()))
	assert.Empty(t, Route(models.Event{Type: models.EventOrderCreated}))
}

func TestEncode(t *testing.T) {
	data, err := Encode(OrdersChannel, orderEvent())
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "orders", msg.Channel)
	assert.Equal(t, models.EventOrderCreated, msg.Type)
	require.NotNil(t, msg.Order)
	assert.Nil(t, msg.Trade)
	assert.Equal(t, "50000.00000000", msg.Order.Price)
	assert.Equal(t, "0.50000000", msg.Order.Amount)
	assert.Equal(t, "open", msg.Order.Status)

	data, err = Encode(UserChannel(2), tradeEvent())
	require.NoError(t, err)
	msg, err = Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Trade)
	assert.Equal(t, "0.01500000", msg.Trade.Commission)
	assert.Equal(t, "50000.00000000", msg.Trade.Total)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "spotexchange.orders", Subject("spotexchange", OrdersChannel))
	assert.Equal(t, "spotexchange.user.42", Subject("spotexchange", UserChannel(42)))
	assert.Equal(t, "orders", Subject("", OrdersChannel))
}

func TestFanout(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Fanout{a, b}.Publish(context.Background(), orderEvent(), tradeEvent())
	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.Events(), 2)
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	return msg
}

func TestHub(t *testing.T) {
	hub := NewHub(nil, func(token string) (int, error) {
		if token == "alice" {
			return 2, nil
		}
		return 0, errors.New("bad token")
	})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Close()

	anon := dial(t, srv, "")
	alice := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), orderEvent(), tradeEvent())

	msg := readMessage(t, anon)
	assert.Equal(t, OrdersChannel, msg.Channel)

	msg = readMessage(t, alice)
	assert.Equal(t, OrdersChannel, msg.Channel)
	msg = readMessage(t, alice)
	assert.Equal(t, "user.2", msg.Channel)
	assert.Equal(t, models.EventTradeExecuted, msg.Type)

	// the anonymous client must not see the private trade
	require.NoError(t, anon.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := anon.ReadMessage()
	assert.Error(t, err)
}

func TestHub_RejectsBadToken(t *testing.T) {
	hub := NewHub(nil, func(token string) (int, error) { return 0, errors.New("bad token") })
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.Clients())
}
