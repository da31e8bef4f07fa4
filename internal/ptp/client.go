package ptp

import (
	"encoding/binary"
	"fmt"
	"strings"

	ptp "github.com/facebook/time/ptp/protocol"

	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/poll"
	"firestige.xyz/satcat5/internal/udp"
)

// State is the port state of a Client.
type State uint8

const (
	StateDisabled State = iota
	StateListening
	StateMaster
	StatePassive
	StateSlave
	StatePreMaster
	StateFaulty
)

var stateNames = [...]string{"disabled", "listening", "master", "passive", "slave", "pre_master", "faulty"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Mode limits the states a Client may enter.
type Mode uint8

const (
	ModeDisabled Mode = iota
	// ModeMasterOnly always serves time.
	ModeMasterOnly
	// ModeSlaveOnly follows the best master and never serves.
	ModeSlaveOnly
	// ModePassive listens without sending.
	ModePassive
	// ModeAuto serves or follows according to best master selection.
	ModeAuto
)

var modeNames = [...]string{"disabled", "master", "slave", "passive", "auto"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(s, n) {
			return Mode(i), nil
		}
	}
	return ModeDisabled, fmt.Errorf("ptp: mode %q: %w", s, core.ErrConfigInvalid)
}

// ClientConfig holds the per-port settings.
type ClientConfig struct {
	Mode             Mode
	Domain           uint8
	SdoId            uint16
	Clock            ClockInfo // Identity defaults to one derived from the MAC
	PortNumber       uint16
	TwoStep          bool
	SyncInterval     ptp.LogInterval
	AnnounceInterval ptp.LogInterval
	// AnnounceTimeout is the number of announce intervals without an
	// Announce from the master before it is dropped.
	AnnounceTimeout int
	CacheSize       int
}

// DefaultClientConfig returns a slave-only configuration on domain 0.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Mode:             ModeSlaveOnly,
		Clock:            DefaultClock(0),
		PortNumber:       1,
		TwoStep:          true,
		SyncInterval:     0,
		AnnounceInterval: 1,
		AnnounceTimeout:  3,
	}
}

// intervalMsec converts a log2 seconds interval to milliseconds.
func intervalMsec(li ptp.LogInterval) uint32 {
	switch {
	case li >= 16:
		return 1000 << 16
	case li >= 0:
		return 1000 << uint(li)
	case li > -10:
		return max(uint32(1000)>>uint(-li), 1)
	}
	return 1
}

// Client is one PTP port: it runs the state machine, answers or issues
// the timing handshakes and reports each completed Measurement to its
// callbacks.
type Client struct {
	clock     Clock
	cfg       ClientConfig
	xport     transport
	port      PortId
	state     State
	cache     *MeasurementCache
	tlvs      TlvChain
	doppler   *DopplerTlv
	callbacks []Callback

	master     PortId
	masterInfo ClockInfo
	haveMaster bool

	syncTimer     *poll.Timer
	announceTimer *poll.Timer
	timeout       *poll.Timer

	seqSync     uint16
	seqAnnounce uint16
	last        Measurement
	haveLast    bool
	buf         [MaxMessage]byte

	rcvd      uint64
	malformed uint64
	sent      uint64
	sendFails uint64
}

// NewClientL2 runs PTP directly over Ethernet.
func NewClientL2(s *poll.Scheduler, d *eth.Dispatch, clk Clock, cfg ClientConfig) *Client {
	c := newClient(s, clk, cfg)
	c.attach(newL2(c, d))
	return c
}

// NewClientL3 runs PTP over UDP.
func NewClientL3(s *poll.Scheduler, u *udp.Dispatch, clk Clock, cfg ClientConfig) *Client {
	c := newClient(s, clk, cfg)
	c.attach(newL3(c, u))
	return c
}

func newClient(s *poll.Scheduler, clk Clock, cfg ClientConfig) *Client {
	if cfg.AnnounceTimeout < 1 {
		cfg.AnnounceTimeout = 3
	}
	if cfg.PortNumber == 0 {
		cfg.PortNumber = 1
	}
	c := &Client{clock: clk, cfg: cfg, cache: NewMeasurementCache(cfg.CacheSize)}
	c.syncTimer = poll.NewTimer(s, c.sendSync)
	c.announceTimer = poll.NewTimer(s, c.sendAnnounce)
	c.timeout = poll.NewTimer(s, c.timerExpired)
	return c
}

func (c *Client) attach(t transport) {
	c.xport = t
	if c.cfg.Clock.Identity == 0 {
		c.cfg.Clock.Identity = ClockIdFromMac(t.mac())
	}
	c.port = PortId{ClockIdentity: c.cfg.Clock.Identity, PortNumber: c.cfg.PortNumber}
	c.SetMode(c.cfg.Mode)
}

// Close stops all timers and detaches from the network.
func (c *Client) Close() {
	c.SetMode(ModeDisabled)
	c.xport.close()
}

func (c *Client) State() State         { return c.state }
func (c *Client) Mode() Mode           { return c.cfg.Mode }
func (c *Client) PortId() PortId       { return c.port }
func (c *Client) ClockInfo() ClockInfo { return c.cfg.Clock }
func (c *Client) Cache() *MeasurementCache {
	return c.cache
}

// Master returns the selected master, if any.
func (c *Client) Master() (PortId, ClockInfo, bool) {
	return c.master, c.masterInfo, c.haveMaster
}

// LastMeasurement returns a copy of the most recent completed handshake.
func (c *Client) LastMeasurement() (Measurement, bool) { return c.last, c.haveLast }

func (c *Client) Received() uint64  { return c.rcvd }
func (c *Client) Malformed() uint64 { return c.malformed }
func (c *Client) Sent() uint64      { return c.sent }

// AddCallback registers cb for completed measurements.
func (c *Client) AddCallback(cb Callback) { c.callbacks = append(c.callbacks, cb) }

// AddTlv chains a TLV handler.
func (c *Client) AddTlv(h TlvHandler) { c.tlvs.Add(h) }

// SetDoppler installs the path-rate extension and its compensation.
func (c *Client) SetDoppler(d *DopplerTlv) {
	if c.doppler != nil {
		c.tlvs.Remove(c.doppler)
	}
	c.doppler = d
	if d != nil {
		c.tlvs.Add(d)
	}
}

// SetMode changes the mode and restarts the state machine.
func (c *Client) SetMode(m Mode) {
	c.cfg.Mode = m
	c.haveMaster = false
	c.cache.Reset()
	c.syncTimer.Stop()
	c.announceTimer.Stop()
	c.timeout.Stop()
	switch m {
	case ModeDisabled:
		c.setState(StateDisabled)
	case ModeMasterOnly:
		c.setState(StateMaster)
	case ModePassive:
		c.setState(StatePassive)
	default:
		c.setState(StateListening)
	}
}

func (c *Client) announceMsec() uint32 { return intervalMsec(c.cfg.AnnounceInterval) }

func (c *Client) setState(s State) {
	prev := c.state
	c.state = s
	c.armTimers()
	if prev == s {
		return
	}
	metrics.PtpStateChangesTotal.WithLabelValues(s.String()).Inc()
	log.GetLogger().WithFields(map[string]interface{}{
		"port": c.port.String(),
		"from": prev.String(),
		"to":   s.String(),
	}).Info("ptp: state change")
}

func (c *Client) armTimers() {
	switch c.state {
	case StateMaster:
		c.timeout.Stop()
		if !c.syncTimer.Active() {
			c.syncTimer.Every(intervalMsec(c.cfg.SyncInterval))
		}
		if !c.announceTimer.Active() {
			c.announceTimer.Every(c.announceMsec())
		}
	case StateListening, StateSlave, StatePassive:
		c.syncTimer.Stop()
		c.announceTimer.Stop()
		c.timeout.Once(c.announceMsec() * uint32(c.cfg.AnnounceTimeout))
	case StatePreMaster:
		c.syncTimer.Stop()
		c.announceTimer.Stop()
		c.timeout.Once(c.announceMsec())
	default:
		c.syncTimer.Stop()
		c.announceTimer.Stop()
		c.timeout.Stop()
	}
}

// timerExpired handles announce receipt timeout and master qualification.
func (c *Client) timerExpired() {
	switch c.state {
	case StateSlave, StatePassive, StateListening:
		if c.haveMaster {
			log.GetLogger().WithField("master", c.master.String()).Info("ptp: announce timeout")
		}
		c.haveMaster = false
		c.cache.Reset()
		if c.cfg.Mode == ModeAuto && c.state == StateListening {
			c.setState(StatePreMaster)
			return
		}
		if c.cfg.Mode == ModePassive {
			c.setState(StatePassive)
			return
		}
		c.setState(StateListening)
	case StatePreMaster:
		c.setState(StateMaster)
	}
}

// decide applies best master selection after an Announce.
func (c *Client) decide() {
	switch c.cfg.Mode {
	case ModeSlaveOnly:
		if c.haveMaster && c.state != StateSlave {
			c.setState(StateSlave)
		}
	case ModeAuto:
		if c.haveMaster && c.masterInfo.Better(c.master, c.cfg.Clock, c.port) {
			if c.state != StateSlave {
				c.setState(StateSlave)
			}
		} else if c.state == StateSlave {
			c.haveMaster = false
			c.setState(StatePreMaster)
		}
	}
}

// Receive handles one message that arrived at local time rx.
func (c *Client) Receive(b []byte, rx Time) {
	if c.state == StateDisabled {
		return
	}
	var h Header
	if err := h.Parse(b); err != nil {
		c.drop(err)
		return
	}
	if h.Domain != c.cfg.Domain || h.SdoId != c.cfg.SdoId || h.SrcPort == c.port {
		return
	}
	n := bodyLen(h.Type)
	if n < 0 {
		return
	}
	if int(h.Length) < HeaderLen+n {
		c.drop(fmt.Errorf("ptp: %s body: %w", h.Type, core.ErrPacketTooShort))
		return
	}
	body := b[HeaderLen : HeaderLen+n]
	tlvs, err := ParseTlvs(b[HeaderLen+n : h.Length])
	if err != nil {
		c.drop(err)
		return
	}
	c.rcvd++
	c.tlvs.Rcvd(&h, tlvs)
	switch h.Type {
	case ptp.MessageAnnounce:
		c.rcvdAnnounce(&h, body)
	case ptp.MessageSync:
		c.rcvdSync(&h, body, rx)
	case ptp.MessageFollowUp:
		c.rcvdFollowUp(&h, body)
	case ptp.MessageDelayReq:
		c.rcvdDelayReq(&h, rx)
	case ptp.MessageDelayResp:
		c.rcvdDelayResp(&h, body)
	}
}

func (c *Client) drop(err error) {
	c.malformed++
	metrics.MalformedTotal.WithLabelValues("ptp").Inc()
	log.GetLogger().WithError(err).Debug("ptp: message dropped")
}

func (c *Client) rcvdAnnounce(h *Header, body []byte) {
	if c.cfg.Mode == ModeMasterOnly {
		return
	}
	info, err := parseAnnounce(body)
	if err != nil {
		c.drop(err)
		return
	}
	if info.StepsRemoved >= 255 {
		return
	}
	switch {
	case c.haveMaster && h.SrcPort == c.master:
		c.masterInfo = info
	case !c.haveMaster || info.Better(h.SrcPort, c.masterInfo, c.master):
		if c.haveMaster {
			c.cache.Reset()
		}
		c.master, c.masterInfo, c.haveMaster = h.SrcPort, info, true
		log.GetLogger().WithFields(map[string]interface{}{
			"master": h.SrcPort.String(),
			"class":  uint8(info.Quality.ClockClass),
		}).Debug("ptp: master selected")
	default:
		return
	}
	c.decide()
	if c.state == StateSlave || c.state == StatePassive || c.state == StateListening {
		c.timeout.Once(c.announceMsec() * uint32(c.cfg.AnnounceTimeout))
	}
}

func (c *Client) fromMaster(h *Header) bool {
	return c.state == StateSlave && c.haveMaster && h.SrcPort == c.master
}

func (c *Client) rcvdSync(h *Header, body []byte, rx Time) {
	if !c.fromMaster(h) {
		return
	}
	m := c.cache.Store(h.Key())
	m.SetT2(rx)
	if h.Flags&FlagTwoStep == 0 {
		m.SetT1(ReadTimestamp(body), h.CorrectionTime())
	}
	if t3, ok := c.sendDelayReq(h.SeqId); ok {
		m.SetT3(t3)
	}
	c.check(m)
}

func (c *Client) rcvdFollowUp(h *Header, body []byte) {
	if !c.fromMaster(h) {
		return
	}
	m := c.cache.Store(h.Key())
	m.SetT1(ReadTimestamp(body), h.CorrectionTime())
	c.check(m)
}

func (c *Client) rcvdDelayResp(h *Header, body []byte) {
	if !c.fromMaster(h) || readPortId(body[TimestampLen:]) != c.port {
		return
	}
	m := c.cache.Store(h.Key())
	m.SetT4(ReadTimestamp(body), h.CorrectionTime())
	c.check(m)
}

func (c *Client) rcvdDelayReq(h *Header, rx Time) {
	if c.state != StateMaster {
		return
	}
	b := c.header(ptp.MessageDelayResp, h.SeqId, 0)
	binary.BigEndian.PutUint64(b[8:], uint64(h.Correction))
	b = AppendTimestamp(b, rx)
	b = h.SrcPort.append(b)
	c.send(false, b)
}

// check reports m once it is complete.
func (c *Client) check(m *Measurement) {
	if !m.Done() {
		return
	}
	if c.doppler != nil {
		c.doppler.Apply(m)
	}
	c.last, c.haveLast = *m, true
	c.cache.Drop(m.Key)
	metrics.PtpMeasurementsTotal.Inc()
	metrics.PtpPathDelaySeconds.Set(float64(c.last.MeanPathDelay().DeltaSubns()) / SubnsPerSec)
	log.GetLogger().WithFields(map[string]interface{}{
		"seq":    c.last.Key.SeqId,
		"offset": c.last.OffsetFromMaster().String(),
		"delay":  c.last.MeanPathDelay().String(),
	}).Debug("ptp: measurement complete")
	for _, cb := range c.callbacks {
		cb.PtpReady(&c.last)
	}
}

// header starts a message in the send buffer.
func (c *Client) header(t ptp.MessageType, seq uint16, flags uint16) []byte {
	li := c.cfg.SyncInterval
	switch t {
	case ptp.MessageAnnounce:
		li = c.cfg.AnnounceInterval
	case ptp.MessageDelayReq:
		li = 0x7F
	}
	h := Header{
		Type:        t,
		Domain:      c.cfg.Domain,
		SdoId:       c.cfg.SdoId,
		Flags:       flags,
		SrcPort:     c.port,
		SeqId:       seq,
		Control:     controlField(t),
		LogInterval: li,
	}
	return h.Append(c.buf[:0])
}

// send finishes the message in b with TLVs and its length field.
func (c *Client) send(event bool, b []byte) bool {
	var h Header
	h.Type = ptp.MessageType(b[0] & 0x0F)
	b = c.tlvs.Send(&h, b)
	binary.BigEndian.PutUint16(b[2:], uint16(len(b)))
	if !c.xport.send(event, b) {
		c.sendFails++
		log.GetLogger().WithField("type", h.Type.String()).Debug("ptp: send failed")
		return false
	}
	c.sent++
	return true
}

func (c *Client) sendDelayReq(seq uint16) (Time, bool) {
	if c.cfg.Mode == ModePassive {
		return TimeZero, false
	}
	t3 := c.clock.Now()
	b := c.header(ptp.MessageDelayReq, seq, 0)
	b = AppendTimestamp(b, t3)
	return t3, c.send(true, b)
}

func (c *Client) sendSync() {
	if c.state != StateMaster {
		return
	}
	c.seqSync++
	flags := FlagPtpTimescale
	if c.cfg.TwoStep {
		flags |= FlagTwoStep
	}
	t1 := c.clock.Now()
	b := c.header(ptp.MessageSync, c.seqSync, flags)
	b = AppendTimestamp(b, t1)
	if !c.send(true, b) || !c.cfg.TwoStep {
		return
	}
	b = c.header(ptp.MessageFollowUp, c.seqSync, FlagPtpTimescale)
	b = AppendTimestamp(b, t1)
	c.send(false, b)
}

func (c *Client) sendAnnounce() {
	if c.state != StateMaster {
		return
	}
	c.seqAnnounce++
	b := c.header(ptp.MessageAnnounce, c.seqAnnounce, FlagPtpTimescale)
	b = c.cfg.Clock.appendAnnounce(b, c.clock.Now())
	c.send(false, b)
}
