package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cryptoramp/services/rampd/models"
)

func sampleEvent(status models.Status) Event {
	return Event{
		TransactionID: "tx-1",
		UserID:        42,
		SessionKey:    "session-42",
		Kind:          models.KindSell,
		Status:        status,
		Terminal:      status.Terminal(),
		At:            time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestNewEventCopiesTransaction(t *testing.T) {
	tx := &models.Transaction{
		ID:            "tx-9",
		UserID:        7,
		SessionKey:    "s",
		Kind:          models.KindBuy,
		Status:        models.StatusFailed,
		FailureReason: models.ReasonChargeDeclined,
	}
	ev := NewEvent(tx, time.Now())
	require.Equal(t, "tx-9", ev.TransactionID)
	require.True(t, ev.Terminal)
	require.Equal(t, models.ReasonChargeDeclined, ev.Reason)
}

func TestMultiSkipsNil(t *testing.T) {
	var got []models.Status
	rec := Func(func(_ context.Context, ev Event) { got = append(got, ev.Status) })
	Multi{nil, rec, Nop{}, rec}.Notify(context.Background(), sampleEvent(models.StatusConfirmed))
	require.Equal(t, []models.Status{models.StatusConfirmed, models.StatusConfirmed}, got)
}

func TestHubDeliversToSessionSubscribers(t *testing.T) {
	hub := NewHub(2)
	ch, cancel := hub.Subscribe("session-42")
	other, cancelOther := hub.Subscribe("session-other")
	defer cancelOther()

	hub.Notify(context.Background(), sampleEvent(models.StatusCompleted))
	hub.Countdown("session-42", 90*time.Second, "01:30")

	msg := <-ch
	require.Equal(t, MessageStatus, msg.Type)
	require.Equal(t, models.StatusCompleted, msg.Event.Status)
	msg = <-ch
	require.Equal(t, MessageCountdown, msg.Type)
	require.Equal(t, "01:30", msg.Display)

	select {
	case m := <-other:
		t.Fatalf("unexpected message for other session: %+v", m)
	default:
	}

	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)
	require.Equal(t, 0, hub.Subscribers("session-42"))
}

func TestHubReset(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe("chat-7")
	defer cancel()
	hub.Reset("", "tx-0")
	hub.Reset("chat-7", "tx-1")
	msg := <-ch
	require.Equal(t, MessageReset, msg.Type)
	require.Equal(t, "tx-1", msg.TransactionID)
}

func TestHubResetsSessionOnExpiredEvent(t *testing.T) {
	hub := NewHub(4)
	ch, cancel := hub.Subscribe("session-42")
	defer cancel()

	hub.Notify(context.Background(), sampleEvent(models.StatusFailed))
	hub.Notify(context.Background(), sampleEvent(models.StatusExpired))

	msg := <-ch
	require.Equal(t, MessageStatus, msg.Type)
	require.Equal(t, models.StatusFailed, msg.Event.Status)
	msg = <-ch
	require.Equal(t, MessageStatus, msg.Type)
	require.Equal(t, models.StatusExpired, msg.Event.Status)
	msg = <-ch
	require.Equal(t, MessageReset, msg.Type)
	require.Equal(t, "tx-1", msg.TransactionID)
	require.Empty(t, ch)
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe("s")
	defer cancel()
	for i := 0; i < 5; i++ {
		hub.Countdown("s", time.Duration(i)*time.Second, "")
	}
	require.Len(t, ch, 1)
}

func TestWebhookSignsPayload(t *testing.T) {
	secret := []byte("shh")
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if !Verify(secret, body, r.Header.Get(SignatureHeader)) {
			t.Fatalf("signature mismatch")
		}
		var ev Event
		require.NoError(t, json.Unmarshal(body, &ev))
		require.Equal(t, "tx-1", ev.TransactionID)
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhookNotifier(srv.URL, string(secret), WithWebhookRate(0, 0))
	require.NoError(t, err)
	require.NoError(t, hook.Deliver(context.Background(), sampleEvent(models.StatusCompleted)))
	require.Equal(t, int32(1), received.Load())
}

func TestWebhookReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	hook, err := NewWebhookNotifier(srv.URL, "", WithWebhookRate(0, 0))
	require.NoError(t, err)
	require.Error(t, hook.Deliver(context.Background(), sampleEvent(models.StatusFailed)))

	_, err = NewWebhookNotifier("  ", "")
	require.Error(t, err)
}

func TestWebhookUserLimitSparesTerminalEvents(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()
	hook, err := NewWebhookNotifier(srv.URL, "", WithWebhookRate(0, 0), WithUserLimiter(NewUserLimiter(1)))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, hook.Deliver(ctx, sampleEvent(models.StatusConfirmed)))
	require.NoError(t, hook.Deliver(ctx, sampleEvent(models.StatusConfirmed)))
	require.NoError(t, hook.Deliver(ctx, sampleEvent(models.StatusCompleted)))
	require.Equal(t, int32(2), received.Load())
}

func TestUserLimiterWindowAndCap(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewUserLimiter(2, WithUserWindow(time.Minute), WithUserCap(2), WithUserTTL(0))
	require.True(t, l.Allow(1, now))
	require.True(t, l.Allow(1, now))
	require.False(t, l.Allow(1, now))
	require.True(t, l.Allow(1, now.Add(time.Minute)))

	require.True(t, l.Allow(2, now.Add(2*time.Minute)))
	require.True(t, l.Allow(3, now.Add(3*time.Minute)))
	require.Equal(t, 2, l.Len())
}

func TestAsyncPreservesOrderAndDrains(t *testing.T) {
	var mu sync.Mutex
	var got []models.Status
	async := NewAsync(Func(func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.Status)
		mu.Unlock()
	}), 8)

	ctx, cancel := context.WithCancel(context.Background())
	async.Notify(ctx, sampleEvent(models.StatusConfirmed))
	cancel()
	async.Notify(ctx, sampleEvent(models.StatusCompleted))
	require.NoError(t, async.Close(context.Background()))
	async.Notify(context.Background(), sampleEvent(models.StatusFailed))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []models.Status{models.StatusConfirmed, models.StatusCompleted}, got)
}
