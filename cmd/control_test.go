package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/control"
)

type stubBackend struct{ withPtp bool }

func (stubBackend) Status(context.Context) (control.Status, error) {
	return control.Status{Node: "edge", Version: "dev", UptimeSec: 90, Ports: 2}, nil
}

func (stubBackend) Ports(context.Context) ([]control.PortStatus, error) {
	return []control.PortStatus{
		{Index: 0, Name: "uplink", Vid: 10, RxFrames: 5, TxFrames: 4},
		{Index: 1, Name: "local", RxFrames: 4, TxFrames: 5},
	}, nil
}

func (stubBackend) Routes(context.Context) (control.RouteList, error) {
	return control.RouteList{
		Default: &control.RouteInfo{Subnet: "0.0.0.0/0", Gateway: "192.168.1.1"},
		Routes:  []control.RouteInfo{{Subnet: "192.168.1.0/24"}},
	}, nil
}

func (b stubBackend) Ptp(context.Context) (control.PtpStatus, error) {
	if !b.withPtp {
		return control.PtpStatus{}, errors.New("ptp disabled")
	}
	off := int64(-42)
	return control.PtpStatus{Mode: "slave", State: "slave", Received: 12, OffsetNs: &off}, nil
}

func (stubBackend) Reload() error { return nil }
func (stubBackend) Shutdown()     {}

func serveStub(t *testing.T, b control.Backend) *control.Client {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	srv := control.NewServer(sock, control.NewHandler(b))
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return control.NewClient(sock, 2*time.Second)
}

func TestStatusText(t *testing.T) {
	c := serveStub(t, stubBackend{})
	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), c, &out, false))

	s := out.String()
	assert.Contains(t, s, "node edge  version dev  up 1m30s")
	assert.Contains(t, s, "uplink")
	assert.Contains(t, s, "default via 192.168.1.1")
	assert.Contains(t, s, "192.168.1.0/24 port 0")
	assert.NotContains(t, s, "ptp:")
}

func TestStatusJSON(t *testing.T) {
	c := serveStub(t, stubBackend{withPtp: true})
	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), c, &out, true))

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Contains(t, doc, "ports")
	assert.Contains(t, doc, "routes")

	var ptp control.PtpStatus
	require.NoError(t, json.Unmarshal(doc["ptp"], &ptp))
	require.NotNil(t, ptp.OffsetNs)
	assert.Equal(t, int64(-42), *ptp.OffsetNs)
}

func TestStatusNoDaemon(t *testing.T) {
	c := control.NewClient(filepath.Join(t.TempDir(), "none.sock"), time.Second)
	assert.Error(t, runStatus(context.Background(), c, &bytes.Buffer{}, false))
}
