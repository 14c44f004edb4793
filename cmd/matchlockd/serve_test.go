package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchlock/internal/api"
	"matchlock/internal/changefeed"
	"matchlock/internal/model"
	"matchlock/internal/storage"
)

// An open event stream must not hold shutdown until its deadline.
func TestShutdownEndsEventStreams(t *testing.T) {
	db, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "serve.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := changefeed.NewHub()
	apiServer := api.NewServer(api.Deps{
		Service: model.NewService(db, nil, nil, model.WithChangeFeed(hub)),
		Feed:    hub,
	})
	defer apiServer.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newHTTPServer(ln.Addr().String(), apiServer.Handler(), func() { _ = hub.Close() })
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/v1/parties/alice/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "subscribed")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = io.Copy(io.Discard, resp.Body)
	assert.NoError(t, err)
	assert.True(t, errors.Is(<-served, http.ErrServerClosed))
}
