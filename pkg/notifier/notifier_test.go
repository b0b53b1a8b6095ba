package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trusch/testforeman/pkg/config"
	"github.com/trusch/testforeman/pkg/table"
)

var nodes = []table.NodeCount{
	{Node: "10.0.0.1:4000", Claims: 3},
	{Node: "10.0.0.2:4000", Claims: 0},
}

func TestWebhookSummary(t *testing.T) {
	var got Summary
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		token = r.Header.Get("X-Token")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier([]config.NotificationConfig{{
		Type: config.NotificationTypeWebhook,
		Config: map[string]interface{}{
			"url":     srv.URL,
			"method":  http.MethodPut,
			"headers": map[string]interface{}{"X-Token": []interface{}{"secret"}},
		},
	}})
	require.NoError(t, n.SendRunSummary(context.Background(), nodes))
	assert.Equal(t, "secret", token)
	assert.Equal(t, Summary{
		Nodes: []NodeSummary{
			{Node: "10.0.0.1:4000", Claims: 3},
			{Node: "10.0.0.2:4000", Claims: 0},
		},
		Claims: 3,
	}, got)
}

func TestWebhookFailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier([]config.NotificationConfig{
		{Type: config.NotificationTypeWebhook, Config: map[string]interface{}{"url": srv.URL}},
		{Type: "pager"},
	})
	err := n.SendRunSummary(context.Background(), nodes)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrUnknownNotificationType)
	assert.Contains(t, err.Error(), "500")
}

func TestSlackSummary(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.2"}`))
	}))
	defer srv.Close()

	n := NewNotifier([]config.NotificationConfig{{
		Type: config.NotificationTypeSlack,
		Config: map[string]interface{}{
			"token":   "xoxb-test",
			"channel": "#ci",
		},
	}}).(*defaultNotifierType)
	n.slackURL = srv.URL + "/"

	require.NoError(t, n.SendRunSummary(context.Background(), nodes))
	require.NotNil(t, form)
	assert.Equal(t, []string{"#ci"}, form["channel"])
	assert.Contains(t, form["attachments"][0], "10.0.0.1:4000")
	assert.Contains(t, form["attachments"][0], "3 items were handed out to 2 nodes")
}

func TestNoNotifications(t *testing.T) {
	assert.NoError(t, NewNotifier(nil).SendRunSummary(context.Background(), nodes))
}
