package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/satcat5/internal/control"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/util"
)

var errNotRunning = errors.New("network not running")

// backend answers control commands for a daemon. Reads of switch state
// run on the service loop.
type backend struct {
	d *Daemon
}

func (b backend) query(ctx context.Context, fn func(n *Network)) error {
	n := b.d.net
	if n == nil {
		return errNotRunning
	}
	return n.Do(ctx, func() { fn(n) })
}

func (b backend) Status(ctx context.Context) (control.Status, error) {
	b.d.mu.Lock()
	node := b.d.config.Node.Name
	b.d.mu.Unlock()
	s := control.Status{
		Node:      node,
		Version:   util.Version,
		UptimeSec: int64(time.Since(b.d.started).Seconds()),
	}
	err := b.query(ctx, func(n *Network) {
		s.Ports = n.Switch().PortCount()
		if n.Local() != nil {
			s.Routes = n.Local().Table.Len()
		}
		if c := n.Ptp(); c != nil {
			s.PtpState = c.State().String()
		}
	})
	return s, err
}

func (b backend) Ports(ctx context.Context) ([]control.PortStatus, error) {
	var out []control.PortStatus
	err := b.query(ctx, func(n *Network) {
		sw := n.Switch()
		for i := 0; i < sw.PortCount(); i++ {
			p := sw.Port(i)
			st := p.Stats()
			ps := control.PortStatus{
				Index:    i,
				Name:     p.Name(),
				RxFrames: st.RxFrames,
				RxDrops:  st.RxDrops,
				TxFrames: st.TxFrames,
				TxDrops:  st.TxDrops,
			}
			if v := p.Vlan(); v != nil {
				ps.Vid = v.DefaultVid
			}
			out = append(out, ps)
		}
	})
	return out, err
}

func routeInfo(r ip.Route) control.RouteInfo {
	ri := control.RouteInfo{Subnet: r.Subnet.String(), Port: r.Port, Metric: r.Metric}
	if !r.Gateway.IsNone() {
		ri.Gateway = r.Gateway.String()
	}
	if !r.DstMac.IsNone() {
		ri.Mac = r.DstMac.String()
	}
	return ri
}

func (b backend) Routes(ctx context.Context) (control.RouteList, error) {
	rl := control.RouteList{Routes: []control.RouteInfo{}}
	var missing bool
	err := b.query(ctx, func(n *Network) {
		if n.Local() == nil {
			missing = true
			return
		}
		tbl := n.Local().Table
		if def, ok := tbl.Default(); ok {
			ri := routeInfo(def)
			rl.Default = &ri
		}
		tbl.Each(func(_ int, r ip.Route) { rl.Routes = append(rl.Routes, routeInfo(r)) })
	})
	if err == nil && missing {
		err = fmt.Errorf("no local IP stack configured")
	}
	return rl, err
}

func (b backend) Ptp(ctx context.Context) (control.PtpStatus, error) {
	var ps control.PtpStatus
	var missing bool
	err := b.query(ctx, func(n *Network) {
		c := n.Ptp()
		if c == nil {
			missing = true
			return
		}
		ps.Mode = c.Mode().String()
		ps.State = c.State().String()
		ps.Sent, ps.Received, ps.Malformed = c.Sent(), c.Received(), c.Malformed()
		if id, _, ok := c.Master(); ok {
			ps.Master = id.String()
		}
		if m, ok := c.LastMeasurement(); ok {
			off := m.OffsetFromMaster().DeltaNsec()
			ps.OffsetNs = &off
		}
	})
	if err == nil && missing {
		err = fmt.Errorf("ptp disabled")
	}
	return ps, err
}

func (b backend) Reload() error { return b.d.Reload() }

func (b backend) Shutdown() { b.d.TriggerShutdown() }

// startControl opens the control socket and the Kafka command consumer
// when configured.
func (d *Daemon) startControl() error {
	h := control.NewHandler(backend{d: d})
	cc := d.config.Control
	if cc.Socket != "" {
		srv := control.NewServer(cc.Socket, h)
		if err := srv.Listen(); err != nil {
			return err
		}
		d.tasks.Go(func() {
			if err := srv.Serve(d.ctx); err != nil {
				log.GetLogger().WithError(err).Warn("control socket stopped")
			}
		})
	}
	if cc.Kafka.Enabled {
		kc, err := control.NewKafkaConsumer(cc, d.config.Node.Name, h)
		if err != nil {
			return fmt.Errorf("kafka command channel: %w", err)
		}
		d.tasks.Go(func() {
			defer kc.Close()
			if err := kc.Run(d.ctx); err != nil {
				log.GetLogger().WithError(err).Warn("kafka command consumer stopped")
			}
		})
	}
	return nil
}
