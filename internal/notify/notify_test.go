// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyReachabilityPostsEvent(t *testing.T) {
	var mu sync.Mutex
	var got Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.NotifyReachability(context.Background(), "NL43-1", false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "NL43-1", got.UnitID)
	assert.Equal(t, eventReachability, got.Kind)
	require.NotNil(t, got.IsReachable)
	assert.False(t, *got.IsReachable)
}

func TestNotifyDisabledWhenNoURL(t *testing.T) {
	c := NewClient("")
	// Should not panic or block; there is nothing to assert on beyond
	// it returning promptly, since delivery is a no-op.
	c.NotifyReachability(context.Background(), "NL43-1", true)
}

func TestNotifyIgnoresServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.NotifyReachability(context.Background(), "NL43-1", false)
}
