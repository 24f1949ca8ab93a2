package pushclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "notifications:user-1", ChannelName("notifications", "user-1"))
	assert.Equal(t, "user-1", ChannelName("", "user-1"))
}

func TestMessageWireFormat(t *testing.T) {
	data, err := json.Marshal(Message{ID: "n1", Type: "schedule_confirm", Title: "T", Body: "B"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"n1","type":"schedule_confirm","title":"T","body":"B"}`, string(data))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(t.Context(), "not a url", "notifications")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse redis url")
}
