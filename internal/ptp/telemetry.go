package ptp

import "firestige.xyz/satcat5/internal/udp"

// Telemetry reports client state and the last measurement.
type Telemetry struct {
	client *Client
	ctrl   *TrackingController
	tier   int
}

// NewTelemetry adds the client, and ctrl if not nil, to t on one tier.
func NewTelemetry(t *udp.Telemetry, tier int, c *Client, ctrl *TrackingController) *Telemetry {
	s := &Telemetry{client: c, ctrl: ctrl, tier: tier}
	t.AddSource(s)
	return s
}

func (s *Telemetry) TelemetryEvent(tier int, w *udp.TelemetryWriter) {
	if tier != s.tier {
		return
	}
	w.Add("client_state", s.client.State().String())
	if s.ctrl != nil {
		w.Add("tuning_offset", s.ctrl.Rate())
	}
	m, ok := s.client.LastMeasurement()
	if !ok {
		return
	}
	w.Add("mean_path_delay", m.MeanPathDelay().DeltaSubns())
	w.Add("offset_from_master", m.OffsetFromMaster().DeltaSubns())
	for i, t := range [...]Time{m.T1, m.T2, m.T3, m.T4} {
		k := string(rune('1' + i))
		w.Add("t"+k+"_secs", t.Sec())
		w.Add("t"+k+"_subns", t.frac())
	}
}
