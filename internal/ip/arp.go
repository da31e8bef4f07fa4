package ip

import (
	"encoding/binary"
	"time"

	"github.com/jpillora/backoff"

	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
	"firestige.xyz/satcat5/internal/util"
)

const (
	DefaultArpCache   = 32
	DefaultArpPending = 8
	DefaultArpRetries = 3
	DefaultArpRetry   = time.Second

	arpLen      = 28
	arpTickMsec = 10

	ArpRequest uint16 = 1
	ArpReply   uint16 = 2
)

// ArpListener is told about every address pair seen in an ARP message.
// A MacNone address means resolution of ip gave up.
type ArpListener interface {
	ArpEvent(mac eth.MacAddr, ip Addr)
}

type arpQuery struct {
	ip      Addr
	attempt int
	wait    uint32 // msec until the next attempt
	active  bool
}

// ProtoArp resolves next-hop addresses for one interface. Answers are
// kept in an LRU cache; misses start a query that is retried on a
// backoff schedule until it succeeds or runs out of attempts.
type ProtoArp struct {
	ip        *Dispatch
	cache     *util.LRU[eth.MacAddr]
	queries   []arpQuery
	listeners []ArpListener
	notify    []ArpListener
	timer     *poll.Timer
	retry     backoff.Backoff
	retries   int
	scratch   [arpLen]byte
}

// NewProtoArp binds ARP to d's Ethernet interface.
func NewProtoArp(d *Dispatch, cacheSize, maxPending int) *ProtoArp {
	a := &ProtoArp{
		ip:      d,
		cache:   util.NewLRU[eth.MacAddr](cacheSize),
		queries: make([]arpQuery, maxPending),
		retries: DefaultArpRetries,
		retry:   backoff.Backoff{Min: DefaultArpRetry, Max: DefaultArpRetry, Factor: 1},
	}
	a.timer = poll.NewTimer(d.sched, a.tick)
	d.eth.Add(a)
	return a
}

// Configure sets the retry schedule. A factor of 1 gives a fixed
// interval; larger factors back off exponentially up to 8x interval.
func (a *ProtoArp) Configure(retries int, interval time.Duration, factor float64) {
	if retries > 0 {
		a.retries = retries
	}
	if interval <= 0 {
		interval = DefaultArpRetry
	}
	if factor < 1 {
		factor = 1
	}
	a.retry = backoff.Backoff{Min: interval, Max: 8 * interval, Factor: factor}
	if factor == 1 {
		a.retry.Max = interval
	}
}

// Resize replaces the cache with an empty one of a new size.
func (a *ProtoArp) Resize(cacheSize int) {
	a.cache = util.NewLRU[eth.MacAddr](cacheSize)
}

// AddListener registers l. Adding twice has no effect.
func (a *ProtoArp) AddListener(l ArpListener) {
	for _, x := range a.listeners {
		if x == l {
			return
		}
	}
	a.listeners = append(a.listeners, l)
}

// RemoveListener unregisters l. Safe to call from ArpEvent.
func (a *ProtoArp) RemoveListener(l ArpListener) {
	for i, x := range a.listeners {
		if x == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

// Cached looks up ip without touching LRU order.
func (a *ProtoArp) Cached(ip Addr) (eth.MacAddr, bool) {
	if m := a.cache.Find(uint64(ip)); m != nil {
		return *m, true
	}
	return eth.MacNone, false
}

// Learn stores a mapping as if it had been received.
func (a *ProtoArp) Learn(ip Addr, mac eth.MacAddr) {
	if m := a.cache.Query(uint64(ip)); m != nil {
		*m = mac
	}
}

// Forget removes ip from the cache.
func (a *ProtoArp) Forget(ip Addr) { a.cache.Remove(uint64(ip)) }

// CacheClear empties the cache.
func (a *ProtoArp) CacheClear() { a.cache.Clear() }

// Resolve returns the cached address for ip, or starts a query and
// returns false. The answer arrives through ArpEvent.
func (a *ProtoArp) Resolve(ip Addr) (eth.MacAddr, bool) {
	if m, ok := a.Cached(ip); ok {
		a.cache.Query(uint64(ip))
		return m, true
	}
	a.StartQuery(ip)
	return eth.MacNone, false
}

// StartQuery sends a request for ip and schedules retries. It returns
// false if the pending table is full.
func (a *ProtoArp) StartQuery(ip Addr) bool {
	free := -1
	for i := range a.queries {
		q := &a.queries[i]
		if q.active && q.ip == ip {
			return true
		}
		if !q.active && free < 0 {
			free = i
		}
	}
	if free < 0 {
		log.GetLogger().WithField("ip", ip).Warn("arp: pending query table full")
		return false
	}
	a.queries[free] = arpQuery{ip: ip, active: true, wait: a.delay(0)}
	a.SendQuery(ip)
	if !a.timer.Active() {
		a.timer.Every(arpTickMsec)
	}
	return true
}

// Pending reports whether a query for ip is outstanding.
func (a *ProtoArp) Pending(ip Addr) bool {
	for i := range a.queries {
		if a.queries[i].active && a.queries[i].ip == ip {
			return true
		}
	}
	return false
}

// GatewayChange drops a stale gateway and starts resolving the new one.
func (a *ProtoArp) GatewayChange(old, new Addr) {
	if !old.IsNone() {
		a.Forget(old)
		a.cancel(old)
	}
	if new.IsUnicast() {
		a.StartQuery(new)
	}
}

func (a *ProtoArp) delay(attempt int) uint32 {
	return uint32(a.retry.ForAttempt(float64(attempt)).Milliseconds())
}

func (a *ProtoArp) cancel(ip Addr) {
	for i := range a.queries {
		if a.queries[i].active && a.queries[i].ip == ip {
			a.queries[i].active = false
		}
	}
}

func (a *ProtoArp) tick() {
	active := 0
	for i := range a.queries {
		q := &a.queries[i]
		if !q.active {
			continue
		}
		if q.wait > arpTickMsec {
			q.wait -= arpTickMsec
			active++
			continue
		}
		q.attempt++
		if q.attempt < a.retries {
			q.wait = a.delay(q.attempt)
			a.SendQuery(q.ip)
			active++
			continue
		}
		q.active = false
		metrics.ArpQueriesTotal.WithLabelValues("unreachable").Inc()
		log.GetLogger().WithField("ip", q.ip).Info("arp: no reply, giving up")
		a.deliver(eth.MacNone, q.ip)
	}
	if active == 0 {
		a.timer.Stop()
	}
}

func (a *ProtoArp) deliver(mac eth.MacAddr, ip Addr) {
	// Listeners may unregister themselves from inside ArpEvent.
	a.notify = append(a.notify[:0], a.listeners...)
	for _, l := range a.notify {
		l.ArpEvent(mac, ip)
	}
}

// SendQuery broadcasts a request for ip.
func (a *ProtoArp) SendQuery(ip Addr) bool {
	metrics.ArpQueriesTotal.WithLabelValues("sent").Inc()
	return a.send(ArpRequest, eth.MacBroadcast, eth.MacNone, ip)
}

// SendAnnounce broadcasts a gratuitous request for the local address.
func (a *ProtoArp) SendAnnounce() bool {
	return a.send(ArpRequest, eth.MacBroadcast, eth.MacNone, a.ip.addr)
}

func (a *ProtoArp) send(oper uint16, dst, tha eth.MacAddr, tpa Addr) bool {
	w := a.ip.eth.OpenWrite(dst, eth.Type{Vid: a.ip.vid, EType: eth.ETypeARP}, arpLen)
	if w == nil {
		return false
	}
	b := a.scratch[:0]
	b = binary.BigEndian.AppendUint16(b, 1)      // Ethernet
	b = binary.BigEndian.AppendUint16(b, 0x0800) // IPv4
	b = append(b, 6, 4)
	b = binary.BigEndian.AppendUint16(b, oper)
	mac := a.ip.eth.MacAddr()
	b = append(b, mac[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(a.ip.addr))
	b = append(b, tha[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(tpa))
	w.WriteBytes(b)
	return w.WriteFinalize()
}

func (a *ProtoArp) Filter() eth.Type {
	return eth.Type{Vid: a.ip.vid, EType: eth.ETypeARP}
}

func (a *ProtoArp) FrameRcvd(src *pktio.LimitedRead) {
	b := a.scratch[:]
	if !src.ReadBytes(b) {
		metrics.MalformedTotal.WithLabelValues("arp").Inc()
		return
	}
	if binary.BigEndian.Uint16(b[0:]) != 1 || binary.BigEndian.Uint16(b[2:]) != 0x0800 || b[4] != 6 || b[5] != 4 {
		metrics.MalformedTotal.WithLabelValues("arp").Inc()
		return
	}
	oper := binary.BigEndian.Uint16(b[6:])
	var sha eth.MacAddr
	copy(sha[:], b[8:14])
	spa := Addr(binary.BigEndian.Uint32(b[14:]))
	tpa := Addr(binary.BigEndian.Uint32(b[24:]))

	if spa.IsUnicast() && sha.IsUnicast() {
		a.Learn(spa, sha)
		a.ip.table.SetGatewayMac(spa, sha)
		if a.Pending(spa) {
			a.cancel(spa)
			metrics.ArpQueriesTotal.WithLabelValues("resolved").Inc()
		}
		a.deliver(sha, spa)
	}
	if oper == ArpRequest && tpa == a.ip.addr && !tpa.IsNone() && spa != tpa {
		a.send(ArpReply, a.ip.eth.ReplyMac(), sha, spa)
	}
}
