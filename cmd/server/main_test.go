package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/snapshot-reconciler/pkg/config"
)

func TestNewServer(t *testing.T) {
	srv := newServer(config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         8081,
		ReadTimeout:  time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  time.Minute,
	}, http.NotFoundHandler())

	assert.Equal(t, "127.0.0.1:8081", srv.Addr)
	assert.Equal(t, 2*time.Minute, srv.WriteTimeout)
	assert.Equal(t, time.Second, srv.ReadTimeout)
	require.NotNil(t, srv.Protocols)
	assert.True(t, srv.Protocols.UnencryptedHTTP2())
}

func TestServe_StopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := newServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, time.Second, logger) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
