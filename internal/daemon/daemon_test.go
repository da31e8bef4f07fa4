package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/satcat5/internal/control"
	"firestige.xyz/satcat5/internal/ip"
)

func writeConfig(t *testing.T, dir, routes string) string {
	t.Helper()
	input := filepath.Join(dir, "in.pcap")
	if _, err := os.Stat(input); os.IsNotExist(err) {
		writePcap(t, input)
	}
	content := `
satcat5:
  node:
    name: test-daemon
    mac: "02:00:00:00:00:0a"
  log:
    level: info
    format: text
  metrics:
    enabled: false
  control:
    socket: ` + filepath.Join(dir, "ctl.sock") + `
  ports:
    - name: wire
      type: pcap
      device: ` + input + `
  ip:
    address: 192.168.1.10
    prefix: 24
` + routes
	path := filepath.Join(dir, "satcat5.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDaemon_StartStop(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "")
	pidFile := filepath.Join(dir, "satcat5.pid")

	d, err := New(configPath, pidFile)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Errorf("PID file was not created: %v", err)
	}
	if d.Network() == nil || d.Network().Switch().PortCount() != 2 {
		t.Fatalf("expected wire and local ports")
	}

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()
	time.Sleep(50 * time.Millisecond)
	d.TriggerShutdown()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file was not removed after shutdown")
	}
}

func TestDaemon_ReloadRoutes(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "")

	d, err := New(configPath, filepath.Join(dir, "satcat5.pid"))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	writeConfig(t, dir, `    gateway: 192.168.1.1
    routes:
      - subnet: 10.0.0.0/8
        gateway: 192.168.1.2
`)
	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	var (
		route ip.Route
		ok    bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = d.Network().Do(ctx, func() {
		route, ok = d.Network().Local().Table.RouteLookup(ip.MustParseAddr("10.9.9.9"))
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ok || route.Gateway != ip.MustParseAddr("192.168.1.2") {
		t.Errorf("route not applied: ok=%v route=%+v", ok, route)
	}
	if d.config.IP.Gateway != "192.168.1.1" {
		t.Errorf("config not updated: gateway %q", d.config.IP.Gateway)
	}
}

func TestDaemon_LoadFailure(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing.yml"), ""); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestDaemon_ControlSocket(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "")

	d, err := New(configPath, filepath.Join(dir, "satcat5.pid"))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := control.NewClient(filepath.Join(dir, "ctl.sock"), 2*time.Second)

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Node != "test-daemon" || st.Ports != 2 {
		t.Errorf("unexpected status: %+v", st)
	}

	ports, err := c.Ports(ctx, "wire")
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	if len(ports) != 1 || ports[0].Index != 0 {
		t.Errorf("unexpected ports: %+v", ports)
	}

	routes, err := c.Routes(ctx)
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	if len(routes.Routes) == 0 || routes.Routes[0].Subnet != "192.168.1.0/24" {
		t.Errorf("expected on-link subnet route, got %+v", routes)
	}

	if _, err := c.Ptp(ctx); err == nil {
		t.Error("expected ptp.status to fail with ptp disabled")
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after shutdown command")
	}
	if _, err := os.Stat(filepath.Join(dir, "ctl.sock")); !os.IsNotExist(err) {
		t.Error("control socket was not removed")
	}
}
