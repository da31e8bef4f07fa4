package udp

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/poll"
)

// TelemetrySource contributes fields to the messages of one or more
// tiers. Sources add nothing for tiers they do not use.
type TelemetrySource interface {
	TelemetryEvent(tier int, w *TelemetryWriter)
}

// TelemetryWriter collects the key/value pairs of one message.
type TelemetryWriter struct {
	fields map[string]any
}

// Add sets one field. Values must be CBOR-encodable.
func (w *TelemetryWriter) Add(key string, v any) { w.fields[key] = v }

// Len returns the number of fields collected so far.
func (w *TelemetryWriter) Len() int { return len(w.fields) }

type telemetryTier struct {
	id    int
	timer *poll.Timer
}

// Telemetry periodically encodes the fields of its sources as a CBOR
// map and sends it to one UDP destination. Each tier has its own
// interval and produces its own message.
type Telemetry struct {
	addr    *Address
	sched   *poll.Scheduler
	sources []TelemetrySource
	tiers   []*telemetryTier
	enc     cbor.EncMode
	sent    uint64
}

// NewTelemetry sends to dst:port from a dynamic source port.
func NewTelemetry(d *Dispatch, dst ip.Addr, port uint16) *Telemetry {
	// Core deterministic encoding sorts map keys.
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	t := &Telemetry{addr: NewAddress(d), sched: d.ip.Scheduler(), enc: enc}
	t.addr.Connect(dst, port, PortNone)
	return t
}

// Connect changes the destination.
func (t *Telemetry) Connect(dst ip.Addr, port uint16) { t.addr.Connect(dst, port, t.addr.SrcPort()) }

// AddSource registers src for every tier.
func (t *Telemetry) AddSource(src TelemetrySource) { t.sources = append(t.sources, src) }

// Sent returns the number of messages transmitted.
func (t *Telemetry) Sent() uint64 { return t.sent }

// SetInterval sets how often tier is sent. Zero stops it.
func (t *Telemetry) SetInterval(tier int, msec uint32) {
	tt := t.tier(tier)
	if msec == 0 {
		tt.timer.Stop()
		return
	}
	tt.timer.Every(msec)
}

func (t *Telemetry) tier(id int) *telemetryTier {
	for _, tt := range t.tiers {
		if tt.id == id {
			return tt
		}
	}
	tt := &telemetryTier{id: id}
	tt.timer = poll.NewTimer(t.sched, func() { t.Send(id) })
	t.tiers = append(t.tiers, tt)
	return tt
}

// Encode collects one tier from every source.
func (t *Telemetry) Encode(tier int) ([]byte, error) {
	w := TelemetryWriter{fields: make(map[string]any)}
	for _, s := range t.sources {
		s.TelemetryEvent(tier, &w)
	}
	if w.Len() == 0 {
		return nil, nil
	}
	b, err := t.enc.Marshal(w.fields)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode tier %d: %w", tier, err)
	}
	return b, nil
}

// Send transmits one tier now. It returns false if there was nothing
// to send or the destination was not ready.
func (t *Telemetry) Send(tier int) bool {
	b, err := t.Encode(tier)
	if err != nil {
		log.GetLogger().WithError(err).Warn("telemetry: message dropped")
		return false
	}
	if len(b) == 0 {
		return false
	}
	w := t.addr.OpenWrite(len(b))
	if w == nil {
		return false
	}
	w.WriteBytes(b)
	if !w.WriteFinalize() {
		return false
	}
	t.sent++
	return true
}

// DecodeTelemetry parses a received telemetry message.
func DecodeTelemetry(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("telemetry: decode: %w", err)
	}
	return m, nil
}
