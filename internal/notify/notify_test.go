package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendPostsEventJSON(t *testing.T) {
	var got Event
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, 2000)
	require.True(t, n.Enabled())

	n.Send(context.Background(), Event{
		Event:          EventQuarantineRecommended,
		Repo:           "acme/widgets",
		Test:           "TestCheckout",
		Score:          0.81,
		Recommendation: "quarantine",
		Rationale:      "score 0.81 >= quarantine threshold 0.80",
	})

	require.Equal(t, "application/json", contentType)
	require.Equal(t, EventQuarantineRecommended, got.Event)
	require.Equal(t, "acme/widgets", got.Repo)
	require.Equal(t, "TestCheckout", got.Test)
	require.InDelta(t, 0.81, got.Score, 0.0001)
	require.Equal(t, "quarantine", got.Recommendation)
}

func TestSendDisabledWithoutURL(t *testing.T) {
	n := New("", 2000)
	require.False(t, n.Enabled())

	// Must not panic or attempt delivery.
	n.Send(context.Background(), Event{Event: EventQuarantineRecommended})
}

func TestSendSwallowsServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, 2000)
	n.Send(context.Background(), Event{Event: EventQuarantineActivated, Repo: "acme/widgets"})

	require.Equal(t, int32(1), hits.Load())
}

func TestSendSwallowsConnectionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	n := New(srv.URL, 100)
	n.Send(context.Background(), Event{Event: EventQuarantineReleased})
}
