package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vigil/internal/config"
)

func TestServerServesMetrics(t *testing.T) {
	WindowsTotal.WithLabelValues("produced").Inc()

	s := NewServer(config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vigil_detect_windows_total{result="produced"}`)
}

func TestServerListenError(t *testing.T) {
	s := NewServer(config.MetricsConfig{Listen: "127.0.0.1:-1"})
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()), "stop before start is a no-op")
}
