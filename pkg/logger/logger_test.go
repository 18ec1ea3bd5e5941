package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"token query", "wss://api.example.com/ws/chat/12/?token=secret", "wss://api.example.com/ws/chat/12/?token=REDACTED"},
		{"no query", "ws://localhost:8000/ws/user/", "ws://localhost:8000/ws/user/"},
		{"other params kept", "http://h/x?a=1&join_token=abc", "http://h/x?a=1&join_token=REDACTED"},
		{"userinfo password", "http://bob:pw@h/x", "http://bob@h/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactURL(tt.in))
		})
	}
}

func TestRedactURL_Unparseable(t *testing.T) {
	assert.Equal(t, "<unparseable url>", RedactURL("://bad\x7f"))
}

func TestFromContext_AddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := Log
	Log = zap.New(core)
	defer func() { Log = prev }()

	ctx := WithRequestID(context.Background(), "req-1")
	FromContext(ctx).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	}
}

func TestDefaultLoggerIsUsable(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("nop logger", zap.String("k", "v"))
		_ = Sync()
	})
}
