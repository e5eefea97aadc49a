package cli

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServeRunsUntilCanceled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfgPath := writeTestConfig(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := openSession(ctx, &GlobalFlags{Config: cfgPath}, "")
	require.NoError(t, err)
	defer sess.Close()
	sess.cfg.Server.Host = "127.0.0.1"
	sess.cfg.Server.Port = freePort(t)
	base := "http://127.0.0.1:" + strconv.Itoa(sess.cfg.Server.Port)

	cmd := &ServeCommand{version: "test"}
	done := make(chan error, 1)
	go func() { done <- cmd.serve(ctx, sess) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/v1/candidates")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, checkDaemon(sess.cfg.Server))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
