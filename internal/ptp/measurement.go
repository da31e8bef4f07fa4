package ptp

import "fmt"

// MeasurementKey identifies one Sync/Delay-Req handshake.
type MeasurementKey struct {
	Domain  uint8
	SdoId   uint16
	SeqId   uint16
	SrcPort PortId
}

const (
	haveT1 uint8 = 1 << iota
	haveT2
	haveT3
	haveT4
	haveAll = haveT1 | haveT2 | haveT3 | haveT4
)

// Measurement holds the four timestamps of one handshake: t1 when the
// master sent Sync, t2 when the slave received it, t3 when the slave
// sent Delay-Req and t4 when the master received it.
type Measurement struct {
	Key            MeasurementKey
	T1, T2, T3, T4 Time
	have           uint8
	used           uint64
}

// Done reports whether all four timestamps are present.
func (m *Measurement) Done() bool { return m.have == haveAll }

// MeanPathDelay is ((t2-t1) + (t4-t3)) / 2.
func (m *Measurement) MeanPathDelay() Time {
	return m.T2.Sub(m.T1).Add(m.T4.Sub(m.T3)).Half()
}

// OffsetFromMaster is ((t2-t1) + (t3-t4)) / 2.
func (m *Measurement) OffsetFromMaster() Time {
	return m.T2.Sub(m.T1).Add(m.T3.Sub(m.T4)).Half()
}

func (m *Measurement) String() string {
	return fmt.Sprintf("seq %d t1 %s t2 %s t3 %s t4 %s", m.Key.SeqId, m.T1, m.T2, m.T3, m.T4)
}

// SetT1 records the master transmit time. The correction of the Sync or
// Follow-up shortens the forward leg.
func (m *Measurement) SetT1(t, corr Time) { m.T1 = t.Add(corr); m.have |= haveT1 }
func (m *Measurement) SetT2(t Time)       { m.T2 = t; m.have |= haveT2 }
func (m *Measurement) SetT3(t Time)       { m.T3 = t; m.have |= haveT3 }

// SetT4 records the master receive time less the Delay-Resp correction.
func (m *Measurement) SetT4(t, corr Time) { m.T4 = t.Sub(corr); m.have |= haveT4 }

// MeasurementCache keeps the most recent handshakes in a fixed ring.
// Timestamps may arrive in any order; each lands in the entry for its key.
type MeasurementCache struct {
	entries []Measurement
	tick    uint64
}

// NewMeasurementCache holds up to n handshakes; n below 1 means 8.
func NewMeasurementCache(n int) *MeasurementCache {
	if n < 1 {
		n = 8
	}
	return &MeasurementCache{entries: make([]Measurement, n)}
}

// Find returns the entry for key or nil.
func (c *MeasurementCache) Find(key MeasurementKey) *Measurement {
	for i := range c.entries {
		m := &c.entries[i]
		if m.have != 0 && m.Key == key {
			return m
		}
	}
	return nil
}

// Store returns the entry for key, reusing the least recently touched
// entry when key is new.
func (c *MeasurementCache) Store(key MeasurementKey) *Measurement {
	c.tick++
	if m := c.Find(key); m != nil {
		m.used = c.tick
		return m
	}
	victim := &c.entries[0]
	for i := range c.entries {
		m := &c.entries[i]
		if m.have == 0 {
			victim = m
			break
		}
		if m.used < victim.used {
			victim = m
		}
	}
	*victim = Measurement{Key: key, used: c.tick}
	return victim
}

// Drop forgets the entry for key.
func (c *MeasurementCache) Drop(key MeasurementKey) {
	if m := c.Find(key); m != nil {
		*m = Measurement{}
	}
}

// Reset forgets everything.
func (c *MeasurementCache) Reset() {
	for i := range c.entries {
		c.entries[i] = Measurement{}
	}
}

// Len counts occupied entries.
func (c *MeasurementCache) Len() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].have != 0 {
			n++
		}
	}
	return n
}
