package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/config"
)

func TestNew_WriteTimeoutCoversGeneration(t *testing.T) {
	s := New(config.ServerConfig{Host: "127.0.0.1", Port: 3000}, http.NotFoundHandler(), 90*time.Second)
	assert.Equal(t, "127.0.0.1:3000", s.Addr())
	assert.Greater(t, s.httpServer.WriteTimeout, 90*time.Second)
}

func TestStart_StopsWhenContextCancelled(t *testing.T) {
	s := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, http.NotFoundHandler(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
