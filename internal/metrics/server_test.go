package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerScrape(t *testing.T) {
	BufferOverflowTotal.WithLabelValues("scrape-test").Inc()

	s := NewServer("127.0.0.1:0", "/m")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/m")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `satcat5_buffer_overflow_total{buffer="scrape-test"} 1`)
}

func TestServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer(ln.Addr().String(), "")
	assert.Error(t, s.Start(context.Background()))
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
}
