package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFCMSender_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects/gig-prod/messages:send", r.URL.Path)
		assert.Equal(t, "Bearer ya29.test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"name":"projects/gig-prod/messages/0:1"}`))
	}))
	defer srv.Close()

	sender := NewFCMSender(srv.URL+"/", srv.Client())
	resp := sender.Send(context.Background(), "gig-prod", "ya29.test", "device-token", testMsg)

	require.NoError(t, resp.Err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Success, Classify(resp))

	msg := got["message"].(map[string]any)
	assert.Equal(t, "device-token", msg["token"])
	assert.Equal(t, map[string]any{"title": testMsg.Title, "body": testMsg.Body}, msg["notification"])
	assert.Equal(t, map[string]any{"request_id": "r-1"}, msg["data"])
	assert.Equal(t, map[string]any{"priority": "high"}, msg["android"])
}

func TestFCMSender_ErrorBodyClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write(unregistered().Body)
	}))
	defer srv.Close()

	resp := NewFCMSender(srv.URL, srv.Client()).Send(context.Background(), "gig-prod", "ya29.test", "stale", testMsg)

	assert.Equal(t, Permanent, Classify(resp))
}

func TestFCMSender_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := srv.Client()
	client.Timeout = 50 * time.Millisecond
	resp := NewFCMSender(srv.URL, client).Send(context.Background(), "gig-prod", "ya29.test", "slow", testMsg)

	assert.Error(t, resp.Err)
	assert.Equal(t, Transient, Classify(resp))
}
