package ptp

import (
	"encoding/binary"
	"testing"
	"time"

	ptp "github.com/facebook/time/ptp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/cfgbus"
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
	"firestige.xyz/satcat5/internal/udp"
)

var (
	macMaster = eth.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macSlave  = eth.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func ts(sec int64, nsec int64, subns uint16) Time { return NewTime(sec, nsec, subns) }

func TestTimeNormalize(t *testing.T) {
	a := NewTime(1, 1_500_000_000, 0)
	assert.Equal(t, int64(2), a.Sec())
	assert.Equal(t, uint32(500_000_000), a.Nsec())

	b := NewTime(0, -1, 0)
	assert.Equal(t, int64(-1), b.Sec())
	assert.Equal(t, uint32(999_999_999), b.Nsec())
	assert.Equal(t, int64(-SubnsPerNsec), b.DeltaSubns())

	c := FromSubns(-3)
	assert.Equal(t, int64(-3), c.DeltaSubns())
	assert.Equal(t, int64(3), c.Abs().DeltaSubns())
	assert.Equal(t, int64(-2), c.Half().DeltaSubns())
	assert.True(t, c.Less(TimeZero))
	assert.True(t, TimeZero.IsZero())
}

func TestTimeArithmetic(t *testing.T) {
	a := ts(10, 999_999_999, 0xFFFF)
	one := FromSubns(1)
	assert.Equal(t, ts(11, 0, 0), a.Add(one))
	assert.Equal(t, a, a.Add(one).Sub(one))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(a.Add(one)))
	assert.Equal(t, time.Duration(1500)*time.Millisecond, FromDuration(1500*time.Millisecond).Duration())
	assert.Equal(t, int64(500), FromDuration(time.Microsecond).Half().DeltaNsec())
	assert.Equal(t, FromDuration(time.Millisecond), FromDuration(time.Second).Scale(1, 1000))
}

func TestTimestampWire(t *testing.T) {
	in := ts(0x123456789A, 0x0BCDEF01, 0x7777)
	b := AppendTimestamp(nil, in)
	require.Len(t, b, TimestampLen)
	assert.Equal(t, []byte{0x00, 0x12, 0x34, 0x56, 0x78, 0x9A, 0x0B, 0xCD, 0xEF, 0x01}, b)
	out := ReadTimestamp(b)
	assert.Equal(t, in.Sec(), out.Sec())
	assert.Equal(t, in.Nsec(), out.Nsec())
}

func TestMeasurementCompletion(t *testing.T) {
	m := Measurement{}
	m.SetT1(ts(0x1EB, 0x255FAAF8, 0), TimeZero)
	m.SetT2(ts(0x1AD, 0x17764B76, 0xE8FA))
	m.SetT3(ts(0x1AE, 0x013F5F38, 0))
	assert.False(t, m.Done())
	m.SetT4(ts(0x1EC, 0x3424810A, 0xB3A6), TimeZero)
	require.True(t, m.Done())
	assert.Equal(t, int64(-4098859838596438), m.OffsetFromMaster().DeltaSubns())
	assert.Equal(t, int64(20331857759824), m.MeanPathDelay().DeltaSubns())
}

func TestMeasurementCorrection(t *testing.T) {
	m := Measurement{}
	m.SetT1(ts(1, 0, 0), FromDuration(time.Microsecond))
	m.SetT2(ts(1, 10_000, 0))
	m.SetT3(ts(1, 20_000, 0))
	m.SetT4(ts(1, 30_000, 0), FromDuration(time.Microsecond))
	assert.Equal(t, int64(9_000), m.MeanPathDelay().DeltaNsec())
	assert.Equal(t, int64(0), m.OffsetFromMaster().DeltaNsec())
}

func TestMeasurementCacheEviction(t *testing.T) {
	c := NewMeasurementCache(2)
	key := func(seq uint16) MeasurementKey { return MeasurementKey{SeqId: seq} }
	c.Store(key(1)).SetT2(ts(1, 0, 0))
	c.Store(key(2)).SetT2(ts(2, 0, 0))
	c.Store(key(1)).SetT3(ts(1, 1, 0))
	c.Store(key(3)).SetT2(ts(3, 0, 0))
	assert.NotNil(t, c.Find(key(1)))
	assert.Nil(t, c.Find(key(2)))
	assert.NotNil(t, c.Find(key(3)))
	assert.Equal(t, 2, c.Len())
	c.Drop(key(1))
	assert.Equal(t, 1, c.Len())
	c.Reset()
	assert.Equal(t, 0, c.Len())
}

func TestHeaderWire(t *testing.T) {
	h := Header{
		Type:        ptp.MessageFollowUp,
		Length:      HeaderLen + TimestampLen,
		Domain:      4,
		SdoId:       0x123,
		Flags:       FlagTwoStep,
		Correction:  ptp.Correction(-5 << 16),
		SrcPort:     PortId{ClockIdentity: 0x0102030405060708, PortNumber: 9},
		SeqId:       777,
		Control:     2,
		LogInterval: -3,
	}
	b := h.Append(nil)
	require.Len(t, b, HeaderLen)
	assert.Equal(t, byte(0x18), b[0])
	b = AppendTimestamp(b, TimeZero)
	var g Header
	require.NoError(t, g.Parse(b))
	g.Version = 0
	assert.Equal(t, h, g)
	assert.Equal(t, int64(-5), g.CorrectionTime().DeltaNsec())

	b[1] = 1
	assert.ErrorIs(t, g.Parse(b), core.ErrBadVersion)
	assert.ErrorIs(t, g.Parse(b[:20]), core.ErrPacketTooShort)
}

func TestPortIdOrder(t *testing.T) {
	a := PortId{ClockIdentity: 1, PortNumber: 9}
	b := PortId{ClockIdentity: 2, PortNumber: 1}
	c := PortId{ClockIdentity: 2, PortNumber: 2}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, c.Compare(c))
}

func TestBestMaster(t *testing.T) {
	pa := PortId{ClockIdentity: 0xA, PortNumber: 1}
	pb := PortId{ClockIdentity: 0xB, PortNumber: 1}
	a, b := DefaultClock(0xA), DefaultClock(0xB)

	assert.True(t, a.Better(pa, b, pb), "identity breaks the tie")

	b.Priority2 = 1
	assert.True(t, b.Better(pb, a, pa))
	a.Quality.OffsetScaledLogVariance = 0x100
	assert.True(t, a.Better(pa, b, pb), "variance before priority2")
	b.Quality.ClockAccuracy = 0x20
	assert.True(t, b.Better(pb, a, pa), "accuracy before variance")
	a.Quality.ClockClass = 6
	assert.True(t, a.Better(pa, b, pb), "class before accuracy")
	b.Priority1 = 10
	assert.True(t, b.Better(pb, a, pa), "priority1 first")

	// Two paths to the same grandmaster.
	c, d := DefaultClock(0xC), DefaultClock(0xC)
	c.StepsRemoved, d.StepsRemoved = 1, 3
	assert.True(t, c.Better(pa, d, pb))
	d.StepsRemoved = 1
	assert.True(t, d.Better(pa, c, pb))
}

func TestAnnounceWire(t *testing.T) {
	in := DefaultClock(0x1122334455667788)
	in.StepsRemoved = 3
	in.TimeSource = TimeSourceGnss
	b := in.appendAnnounce(nil, ts(5, 6, 0))
	require.Len(t, b, bodyAnnounce)
	out, err := parseAnnounce(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	_, err = parseAnnounce(b[:10])
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
}

func TestTlvParse(t *testing.T) {
	recs := []Tlv{
		{Type: TlvPathTrace, Value: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Type: TlvOrgExtPropagate, OrgId: 0xABCDEF, OrgSubtype: 0x010203, Value: []byte{9}},
		{Type: 0x2000, Value: []byte{}},
	}
	var b []byte
	for i := range recs {
		b = recs[i].Append(b)
	}
	got, err := ParseTlvs(b)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(0xABCDEF), got[1].OrgId)
	assert.Equal(t, []byte{9}, got[1].Value)

	assert.True(t, got[0].Propagates())
	assert.True(t, got[1].Propagates())
	assert.False(t, got[2].Propagates())
	assert.True(t, TlvPropagates(0x7FFF))
	assert.False(t, TlvPropagates(0x8000))
	assert.False(t, TlvPropagates(0x0003))

	fwd, err := ParseTlvs(Forward(nil, got))
	require.NoError(t, err)
	assert.Len(t, fwd, 2)

	_, err = ParseTlvs(b[:22])
	assert.ErrorIs(t, err, core.ErrMalformed)
	_, err = ParseTlvs([]byte{0x40, 0x00, 0x00, 0x02, 0, 0})
	assert.ErrorIs(t, err, core.ErrMalformed)
}

func TestTlvChain(t *testing.T) {
	d := NewDopplerTlv(true)
	d.SetLocalRate(100)
	var chain TlvChain
	chain.Add(d)
	chain.Add(d)

	h := Header{Type: ptp.MessageSync}
	b := chain.Send(&h, nil)
	tlvs, err := ParseTlvs(b)
	require.NoError(t, err)
	require.Len(t, tlvs, 1)

	other := Tlv{Type: 0x2001}
	tlvs = append(tlvs, other)
	chain.Rcvd(&h, tlvs)
	assert.Equal(t, uint64(1), chain.Unknown())
	rate, ok := d.Rate()
	assert.True(t, ok)
	assert.Equal(t, int64(100), rate)

	// Egress adds the local contribution to what arrived.
	tlvs, err = ParseTlvs(chain.Send(&h, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), binary.BigEndian.Uint64(tlvs[0].Value))

	h.Type = ptp.MessageDelayReq
	assert.Empty(t, chain.Send(&h, nil))
}

func TestDopplerCompensation(t *testing.T) {
	d := NewDopplerTlv(false)
	d.rcvd, d.valid = RateOne/4, true
	m := Measurement{T1: ts(0, 0, 0), T2: ts(0, 0, 0), T3: ts(1, 0, 0), T4: ts(1, 0, 0)}
	d.Apply(&m)
	assert.Equal(t, ts(1, 0, 0), m.T4)
	d.SetCompensate(true)
	d.Apply(&m)
	assert.Equal(t, ts(0, 750_000_000, 0), m.T4)
}

// fixedClock returns whatever it was last set to.
type fixedClock struct{ t Time }

func (c *fixedClock) Now() Time { return c.t }

type msgBuilder struct {
	master PortId
	domain uint8
}

func (m msgBuilder) msg(typ ptp.MessageType, seq uint16, flags uint16, body []byte) []byte {
	h := Header{Type: typ, Domain: m.domain, Flags: flags, SrcPort: m.master, SeqId: seq, Control: controlField(typ)}
	b := append(h.Append(nil), body...)
	binary.BigEndian.PutUint16(b[2:], uint16(len(b)))
	return b
}

func newSlave(t *testing.T, clk Clock) (*Client, *pktio.PacketBuffer, *poll.Scheduler) {
	s := poll.NewScheduler(poll.NewVirtualClock(0))
	rx := pktio.NewPacketBuffer(nil, make([]byte, 4096), 32)
	tx := pktio.NewPacketBuffer(nil, make([]byte, 4096), 32)
	d := eth.NewDispatch(macSlave, rx, tx)
	cfg := DefaultClientConfig()
	c := NewClientL2(s, d, clk, cfg)
	require.Equal(t, StateListening, c.State())
	return c, tx, s
}

func TestHandshakeOrder(t *testing.T) {
	t1, t2 := ts(100, 1000, 0), ts(100, 51_000, 7)
	t3, t4 := ts(100, 90_000, 0), ts(100, 141_000, 0)
	mb := msgBuilder{master: PortId{ClockIdentity: ClockIdFromMac(macMaster), PortNumber: 1}}

	clk := &fixedClock{t: t3}
	c, tx, _ := newSlave(t, clk)
	var done []Measurement
	c.AddCallback(CallbackFunc(func(m *Measurement) { done = append(done, *m) }))

	c.Receive(mb.msg(ptp.MessageAnnounce, 1, 0, DefaultClock(mb.master.ClockIdentity).appendAnnounce(nil, TimeZero)), TimeZero)
	require.Equal(t, StateSlave, c.State())

	orders := [][]ptp.MessageType{
		{ptp.MessageSync, ptp.MessageFollowUp, ptp.MessageDelayResp},
		{ptp.MessageSync, ptp.MessageDelayResp, ptp.MessageFollowUp},
		{ptp.MessageFollowUp, ptp.MessageSync, ptp.MessageDelayResp},
	}
	for i, order := range orders {
		seq := uint16(10 + i)
		for _, typ := range order {
			switch typ {
			case ptp.MessageSync:
				c.Receive(mb.msg(typ, seq, FlagTwoStep, AppendTimestamp(nil, TimeZero)), t2)
			case ptp.MessageFollowUp:
				c.Receive(mb.msg(typ, seq, 0, AppendTimestamp(nil, t1)), TimeZero)
			case ptp.MessageDelayResp:
				body := c.PortId().append(AppendTimestamp(nil, t4))
				c.Receive(mb.msg(typ, seq, 0, body), TimeZero)
			}
		}
		require.Len(t, done, i+1, "order %d", i)
		got := done[i]
		assert.Equal(t, [4]Time{t1, t2, t3, t4}, [4]Time{got.T1, got.T2, got.T3, got.T4}, "order %d", i)
		assert.Equal(t, seq, got.Key.SeqId)
	}
	assert.Equal(t, 0, c.Cache().Len())
	assert.Equal(t, 3, tx.ReadPackets(), "one Delay-Req per Sync")
}

func TestClientIgnores(t *testing.T) {
	clk := &fixedClock{t: ts(1, 0, 0)}
	c, _, _ := newSlave(t, clk)
	mb := msgBuilder{master: PortId{ClockIdentity: 7, PortNumber: 1}}

	// Sync before any Announce.
	c.Receive(mb.msg(ptp.MessageSync, 1, 0, AppendTimestamp(nil, TimeZero)), TimeZero)
	assert.Equal(t, 0, c.Cache().Len())

	// Other domain.
	other := msgBuilder{master: mb.master, domain: 3}
	c.Receive(other.msg(ptp.MessageAnnounce, 1, 0, DefaultClock(7).appendAnnounce(nil, TimeZero)), TimeZero)
	assert.Equal(t, StateListening, c.State())

	// Truncated body.
	c.Receive(mb.msg(ptp.MessageAnnounce, 1, 0, []byte{1, 2, 3}), TimeZero)
	assert.Equal(t, uint64(1), c.Malformed())
}

func TestAnnounceTimeout(t *testing.T) {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	rx := pktio.NewPacketBuffer(nil, make([]byte, 4096), 32)
	tx := pktio.NewPacketBuffer(nil, make([]byte, 4096), 32)
	c := NewClientL2(s, eth.NewDispatch(macSlave, rx, tx), NewSoftwareClock(clk, TimeZero), DefaultClientConfig())
	mb := msgBuilder{master: PortId{ClockIdentity: 7, PortNumber: 1}}
	c.Receive(mb.msg(ptp.MessageAnnounce, 1, 0, DefaultClock(7).appendAnnounce(nil, TimeZero)), TimeZero)
	require.Equal(t, StateSlave, c.State())

	poll.RunFor(s, clk, 5000)
	assert.Equal(t, StateSlave, c.State())
	poll.RunFor(s, clk, 1100)
	assert.Equal(t, StateListening, c.State())
	_, _, ok := c.Master()
	assert.False(t, ok)
}

func TestAutoModeElection(t *testing.T) {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	rx := pktio.NewPacketBuffer(nil, make([]byte, 4096), 32)
	tx := pktio.NewPacketBuffer(nil, make([]byte, 4096), 32)
	cfg := DefaultClientConfig()
	cfg.Mode = ModeAuto
	c := NewClientL2(s, eth.NewDispatch(macSlave, rx, tx), NewSoftwareClock(clk, TimeZero), cfg)

	// Silence: listening, then pre-master, then master.
	poll.RunFor(s, clk, 6100)
	assert.Equal(t, StatePreMaster, c.State())
	poll.RunFor(s, clk, 2100)
	require.Equal(t, StateMaster, c.State())

	// A better clock takes over.
	mb := msgBuilder{master: PortId{ClockIdentity: 7, PortNumber: 1}}
	best := DefaultClock(7)
	best.Priority1 = 1
	c.Receive(mb.msg(ptp.MessageAnnounce, 1, 0, best.appendAnnounce(nil, TimeZero)), TimeZero)
	assert.Equal(t, StateSlave, c.State())

	// A worse one does not.
	c.SetMode(ModeAuto)
	worse := DefaultClock(7)
	worse.Priority1 = 250
	c.Receive(mb.msg(ptp.MessageAnnounce, 2, 0, worse.appendAnnounce(nil, TimeZero)), TimeZero)
	assert.Equal(t, StateListening, c.State())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Slave")
	require.NoError(t, err)
	assert.Equal(t, ModeSlaveOnly, m)
	_, err = ParseMode("boss")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

type loop struct {
	clk    *poll.VirtualClock
	sched  *poll.Scheduler
	master *Client
	slave  *Client
	mclk   *SoftwareClock
	sclk   *SoftwareClock
}

func (l *loop) run(msec uint32) { poll.RunFor(l.sched, l.clk, msec) }

func newLoopL2(offset Time) *loop {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	x := pktio.NewCrosslink(s, 8192, 32)
	l := &loop{clk: clk, sched: s, mclk: NewSoftwareClock(clk, offset), sclk: NewSoftwareClock(clk, TimeZero)}
	mcfg := DefaultClientConfig()
	mcfg.Mode = ModeMasterOnly
	mcfg.Clock.Quality.ClockClass = 6
	l.master = NewClientL2(s, eth.NewDispatch(macMaster, x.ARx(), x.ATx()), l.mclk, mcfg)
	l.slave = NewClientL2(s, eth.NewDispatch(macSlave, x.BRx(), x.BTx()), l.sclk, DefaultClientConfig())
	return l
}

func TestClientL2Loopback(t *testing.T) {
	offset := ts(1000, 0, 0)
	l := newLoopL2(offset)
	var n int
	l.slave.AddCallback(CallbackFunc(func(*Measurement) { n++ }))
	assert.Equal(t, StateMaster, l.master.State())

	l.run(5500)
	require.Equal(t, StateSlave, l.slave.State())
	require.Greater(t, n, 0)
	m, ok := l.slave.LastMeasurement()
	require.True(t, ok)
	want := offset.Neg().DeltaSubns()
	assert.InDelta(t, float64(want), float64(m.OffsetFromMaster().DeltaSubns()), float64(2*SubnsPerNsec*1_000_000))
	assert.False(t, m.MeanPathDelay().Less(TimeZero))
	master, _, _ := l.slave.Master()
	assert.Equal(t, l.master.PortId(), master)
}

func TestClientTracking(t *testing.T) {
	l := newLoopL2(ts(0, 40_000, 0))
	ctrl := NewTrackingController(l.sclk, 4, FromDuration(time.Millisecond))
	l.slave.AddCallback(ctrl)
	l.run(20_000)
	assert.Greater(t, ctrl.Updates(), uint64(10))
	assert.Zero(t, ctrl.Steps())
	// Sync reaches the slave one pass later than Delay-Req reaches the
	// master, so the clocks settle up to half a tick apart.
	diff := l.mclk.Now().Sub(l.sclk.Now()).Abs()
	assert.True(t, diff.Less(FromDuration(time.Millisecond)), "diff %s", diff)
	m, ok := l.slave.LastMeasurement()
	require.True(t, ok)
	assert.True(t, m.OffsetFromMaster().Abs().Less(FromDuration(600*time.Microsecond)), "offset %s", m.OffsetFromMaster())
}

func TestTrackingConverges(t *testing.T) {
	clk := poll.NewVirtualClock(0)
	mclk := NewSoftwareClock(clk, ts(0, 40_000, 0))
	mclk.ClockRate(5 * SubnsPerSec / 1_000_000)
	sclk := NewSoftwareClock(clk, TimeZero)
	ctrl := NewTrackingController(sclk, 4, FromDuration(time.Millisecond))
	sec := FromDuration(time.Second)

	for i := 0; i < 30; i++ {
		clk.AdvanceMsec(1000)
		ctrl.Update(sclk.Now().Sub(mclk.Now()), sec)
	}
	clk.AdvanceMsec(1000)
	diff := mclk.Now().Sub(sclk.Now()).Abs()
	assert.True(t, diff.Less(FromDuration(time.Microsecond)), "diff %s", diff)
	assert.InDelta(t, 5e-6*SubnsPerSec, float64(ctrl.Rate()), 0.05e-6*SubnsPerSec)
	assert.Zero(t, ctrl.Steps())
	assert.True(t, ctrl.Locked())
}

func TestClientL3Loopback(t *testing.T) {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	x := pktio.NewCrosslink(s, 8192, 32)
	a := udp.NewStack(s, macMaster, ip.MustParseAddr("10.0.0.1"), x.ARx(), x.ATx())
	b := udp.NewStack(s, macSlave, ip.MustParseAddr("10.0.0.2"), x.BRx(), x.BTx())
	mcfg := DefaultClientConfig()
	mcfg.Mode = ModeMasterOnly
	master := NewClientL3(s, a.UDP, NewSoftwareClock(clk, ts(50, 0, 0)), mcfg)
	slave := NewClientL3(s, b.UDP, NewSoftwareClock(clk, TimeZero), DefaultClientConfig())

	poll.RunFor(s, clk, 5500)
	require.Equal(t, StateSlave, slave.State())
	m, ok := slave.LastMeasurement()
	require.True(t, ok)
	assert.InDelta(t, float64(ts(-50, 0, 0).DeltaSubns()), float64(m.OffsetFromMaster().DeltaSubns()), float64(2*SubnsPerNsec*1_000_000))
	assert.Greater(t, master.Sent(), uint64(5))

	slave.Close()
	assert.Equal(t, StateDisabled, slave.State())
}

func TestTelemetryFields(t *testing.T) {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	x := pktio.NewCrosslink(s, 8192, 32)
	st := udp.NewStack(s, macSlave, ip.MustParseAddr("10.0.0.2"), x.ARx(), x.ATx())
	tel := udp.NewTelemetry(st.UDP, ip.MustParseAddr("10.0.0.9"), 2000)

	sc := NewSoftwareClock(clk, TimeZero)
	c := NewClientL2(s, st.Eth, sc, DefaultClientConfig())
	NewTelemetry(tel, 1, c, NewTrackingController(sc, 10, TimeZero))

	b, err := tel.Encode(1)
	require.NoError(t, err)
	m, err := udp.DecodeTelemetry(b)
	require.NoError(t, err)
	assert.Equal(t, "listening", m["client_state"])
	assert.Contains(t, m, "tuning_offset")
	assert.NotContains(t, m, "t1_secs")

	b, err = tel.Encode(0)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestFilters(t *testing.T) {
	med := NewMedian(3)
	for _, x := range []int64{5, 1000, 7} {
		med.Update(x, TimeZero)
	}
	y, _ := med.Update(6, TimeZero)
	assert.Equal(t, int64(7), y)

	box := NewBoxcar(4)
	for _, x := range []int64{4, 8, 12} {
		y, _ = box.Update(x, TimeZero)
	}
	assert.Equal(t, int64(8), y)

	lp := NewLinearPredictor(8)
	sec := FromDuration(time.Second)
	for i := int64(0); i < 8; i++ {
		y, _ = lp.Update(100+10*i, sec)
	}
	assert.Equal(t, int64(170), y)

	rej := NewAmplitudeReject()
	for i := 0; i < rej.Warmup; i++ {
		_, ok := rej.Update(100, TimeZero)
		require.True(t, ok)
	}
	_, ok := rej.Update(10_000, TimeZero)
	assert.False(t, ok)
	_, ok = rej.Update(-120, TimeZero)
	assert.True(t, ok)
}

func TestNewFilter(t *testing.T) {
	for _, spec := range []string{"reject", "reject:3", "boxcar", "boxcar:2", "median:7", "predict"} {
		_, err := NewFilter(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"kalman", "boxcar:x", "median:0"} {
		_, err := NewFilter(spec)
		assert.ErrorIs(t, err, core.ErrConfigInvalid, spec)
	}
}

type stepClock struct {
	steps []Time
	rate  int64
}

func (c *stepClock) Now() Time                    { return TimeZero }
func (c *stepClock) ClockAdjust(amount Time) Time { c.steps = append(c.steps, amount); return TimeZero }
func (c *stepClock) ClockRate(rate int64)         { c.rate = rate }

func TestTrackingController(t *testing.T) {
	clk := &stepClock{}
	ctrl := NewTrackingController(clk, 10, FromDuration(time.Millisecond))
	sec := FromDuration(time.Second)

	ctrl.Update(FromDuration(5*time.Millisecond), sec)
	require.Len(t, clk.steps, 1)
	assert.Equal(t, FromDuration(-5*time.Millisecond), clk.steps[0])
	assert.Equal(t, uint64(1), ctrl.Steps())

	ctrl.Update(FromDuration(time.Microsecond), sec)
	assert.Less(t, clk.rate, int64(0), "ahead means slow down")
	ctrl.Update(FromDuration(-time.Microsecond), sec)
	ctrl.Update(FromDuration(-time.Microsecond), sec)
	assert.Greater(t, clk.rate, int64(0))
	assert.True(t, ctrl.Locked())

	ctrl.Reset()
	assert.Equal(t, int64(0), clk.rate)
}

func TestSoftwareClock(t *testing.T) {
	ref := poll.NewVirtualClock(0)
	c := NewSoftwareClock(ref, ts(10, 0, 0))
	ref.AdvanceMsec(1500)
	assert.Equal(t, ts(11, 500_000_000, 0), c.Now())

	c.ClockRate(SubnsPerSec / 1000)
	ref.AdvanceMsec(1000)
	assert.Equal(t, ts(12, 501_000_000, 0), c.Now())

	assert.Equal(t, TimeZero, c.ClockAdjust(FromDuration(-time.Second)))
	assert.Equal(t, ts(11, 501_000_000, 0), c.Now())
}

func ppsRecord(sec int64, nsec uint32, subns uint16) []uint32 {
	v := ppsValid
	return []uint32{
		uint32(sec>>24)&ppsSecMask | v,
		uint32(sec)&ppsSecMask | v,
		nsec | v,
		uint32(subns) | v | ppsLast,
	}
}

func TestPpsRecordLayout(t *testing.T) {
	p := &PpsInput{}
	for i, w := range ppsRecord(0x123456789A, 999_999_999, 0xBEEF) {
		p.words[i] = w & ppsDataMask
	}
	assert.Equal(t, ts(0x123456789A, 999_999_999, 0xBEEF), p.decode())
}

func TestPpsInput(t *testing.T) {
	bus := cfgbus.NewMockBus()
	cb := cfgbus.NewConfigBus(bus, nil, 0)
	reg := cb.GetRegister(3, 0)
	clk := &stepClock{}
	ctrl := NewTrackingController(clk, 10, FromDuration(100*time.Millisecond))

	s := poll.NewScheduler(poll.NewVirtualClock(0))
	p := NewPpsInput(s, reg, ctrl)
	bus.QueueRead(reg.Addr(), ppsRecord(5, 250_000_000, 0)...)
	bus.QueueRead(reg.Addr(), ppsValid|1, ppsValid|ppsLast)
	p.Poll()
	assert.Equal(t, uint64(1), p.Pulses())
	assert.Equal(t, uint64(1), p.Errors())
	assert.Equal(t, ts(5, 250_000_000, 0), p.Last())
	require.Len(t, clk.steps, 1)
	assert.Equal(t, FromDuration(-250*time.Millisecond), clk.steps[0])
	p.Stop()
}

func TestPhaseError(t *testing.T) {
	assert.Equal(t, FromDuration(300*time.Millisecond), PhaseError(ts(9, 300_000_000, 0), false))
	assert.Equal(t, FromDuration(-300*time.Millisecond), PhaseError(ts(9, 700_000_000, 0), false))
	assert.Equal(t, FromDuration(-200*time.Millisecond), PhaseError(ts(9, 300_000_000, 0), true))
	assert.Equal(t, FromDuration(100*time.Millisecond), PhaseError(ts(9, 600_000_000, 0), true))
}

func TestPpsOutput(t *testing.T) {
	bus := cfgbus.NewMockBus()
	reg := cfgbus.NewConfigBus(bus, nil, 0).GetRegister(4, 1)
	p := NewPpsOutput(reg)
	assert.Equal(t, []uint32{0x80000000, 0}, bus.WritesTo(reg.Addr()))

	bus.ClearLog()
	p.SetOffset(ts(0, 1, 0))
	assert.Equal(t, []uint32{0x80000000, 0x10000}, bus.WritesTo(reg.Addr()))
	p.SetOffset(ts(7, 1, 0))
	p.SetRising(true)
	assert.Len(t, bus.WritesTo(reg.Addr()), 2)

	bus.ClearLog()
	p.SetRising(false)
	assert.Equal(t, []uint32{0, 0x10000}, bus.WritesTo(reg.Addr()))
	assert.Equal(t, uint64(3), p.Writes())
}
