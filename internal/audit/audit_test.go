package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEncodeKeysByEmail(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	msg, err := encode(Event{Type: EventLoginFailed, Email: "a@example.go.id", IP: "10.0.0.1", Reason: "invalid_code", At: at})
	require.NoError(t, err)
	assert.Equal(t, "a@example.go.id", string(msg.Key))
	assert.True(t, msg.Time.Equal(at))

	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, EventLoginFailed, got.Type)
	assert.Equal(t, "invalid_code", got.Reason)

	msg, err = encode(Event{Type: EventLogout, IP: "10.0.0.1", At: at})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", string(msg.Key))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewLogSink(zap.New(core)).Publish(testContext(t), Event{Type: EventLoginSuccess, UserID: "u1", At: time.Now()})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, EventLoginSuccess, logs.All()[0].ContextMap()["type"])
}
