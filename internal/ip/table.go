package ip

import (
	"firestige.xyz/satcat5/internal/eth"
)

// Route is one entry of the routing table. A zero Gateway means the
// destination is on-link and is its own next hop.
type Route struct {
	Subnet  Subnet
	Gateway Addr
	DstMac  eth.MacAddr // static next-hop address, or MacNone to use ARP
	Port    uint8
	Metric  uint16
}

// NextHop returns the address to resolve for a packet to dst.
func (r Route) NextHop(dst Addr) Addr {
	if r.Gateway.IsNone() {
		return dst
	}
	return r.Gateway
}

// TableListener mirrors a Table elsewhere, e.g. into hardware. Slot
// indexes are stable until the slot is removed.
type TableListener interface {
	RouteLoaded(idx int, r Route)
	DefaultLoaded(r Route)
	RouteRemoved(idx int)
	TableCleared()
}

// Table is a fixed-capacity CIDR routing table with a distinguished
// default route.
type Table struct {
	slots     []Route
	used      []bool
	def       Route
	hasDef    bool
	listeners []TableListener
}

// NewTable creates a table with room for size routes plus the default.
func NewTable(size int) *Table {
	return &Table{slots: make([]Route, size), used: make([]bool, size)}
}

// AddListener registers a mirror and replays the current contents.
func (t *Table) AddListener(l TableListener) {
	t.listeners = append(t.listeners, l)
	l.TableCleared()
	if t.hasDef {
		l.DefaultLoaded(t.def)
	}
	for i, r := range t.slots {
		if t.used[i] {
			l.RouteLoaded(i, r)
		}
	}
}

// Capacity returns the number of non-default slots.
func (t *Table) Capacity() int { return len(t.slots) }

// Len returns the number of non-default routes.
func (t *Table) Len() int {
	n := 0
	for _, u := range t.used {
		if u {
			n++
		}
	}
	return n
}

// Default returns the default route and whether one is set.
func (t *Table) Default() (Route, bool) { return t.def, t.hasDef }

// RouteDefault sets the default route.
func (t *Table) RouteDefault(gateway Addr, mac eth.MacAddr, port uint8) {
	t.def = Route{Subnet: DefaultSubnet, Gateway: gateway, DstMac: mac, Port: port}
	t.hasDef = true
	for _, l := range t.listeners {
		l.DefaultLoaded(t.def)
	}
}

// RouteStatic adds or replaces the route for r.Subnet through
// r.Gateway. Routes to the same subnet through different gateways get
// their own slots and RouteLookup picks the lower metric. It returns
// false if the table is full. A /0 route replaces the default.
func (t *Table) RouteStatic(r Route) bool {
	r.Subnet.Addr = r.Subnet.Base()
	if r.Subnet.Prefix == 0 {
		t.RouteDefault(r.Gateway, r.DstMac, r.Port)
		return true
	}
	idx := t.find(r.Subnet, r.Gateway)
	if idx < 0 {
		for i, u := range t.used {
			if !u {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return false
	}
	t.load(idx, r)
	return true
}

// RouteRemove deletes every route for subnet. Returns false if absent.
func (t *Table) RouteRemove(sub Subnet) bool {
	sub.Addr = sub.Base()
	if sub.Prefix == 0 {
		if !t.hasDef {
			return false
		}
		t.hasDef, t.def = false, Route{}
		for _, l := range t.listeners {
			l.DefaultLoaded(t.def)
		}
		return true
	}
	found := false
	for i, r := range t.slots {
		if !t.used[i] || r.Subnet != sub {
			continue
		}
		t.slots[i], t.used[i] = Route{}, false
		found = true
		for _, l := range t.listeners {
			l.RouteRemoved(i)
		}
	}
	return found
}

// RouteClear removes every route including the default.
func (t *Table) RouteClear() {
	for i := range t.slots {
		t.slots[i], t.used[i] = Route{}, false
	}
	t.def, t.hasDef = Route{}, false
	for _, l := range t.listeners {
		l.TableCleared()
	}
}

// RouteLookup returns the longest-prefix match for dst, preferring the
// lower metric between equal prefixes, else the default route. ok is
// false when nothing matches.
func (t *Table) RouteLookup(dst Addr) (r Route, ok bool) {
	best := -1
	for i, s := range t.slots {
		if !t.used[i] || !s.Subnet.Contains(dst) {
			continue
		}
		if best < 0 || s.Subnet.Prefix > t.slots[best].Subnet.Prefix ||
			(s.Subnet.Prefix == t.slots[best].Subnet.Prefix && s.Metric < t.slots[best].Metric) {
			best = i
		}
	}
	if best >= 0 {
		return t.slots[best], true
	}
	return t.def, t.hasDef
}

// SetGatewayMac records a newly resolved hardware address for every
// route through gateway. Returns the number of routes changed.
func (t *Table) SetGatewayMac(gateway Addr, mac eth.MacAddr) int {
	if gateway.IsNone() {
		return 0
	}
	n := 0
	for i, r := range t.slots {
		if t.used[i] && r.Gateway == gateway && r.DstMac != mac {
			r.DstMac = mac
			t.load(i, r)
			n++
		}
	}
	if t.hasDef && t.def.Gateway == gateway && t.def.DstMac != mac {
		t.RouteDefault(gateway, mac, t.def.Port)
		n++
	}
	return n
}

// Each calls fn for every non-default route in slot order.
func (t *Table) Each(fn func(idx int, r Route)) {
	for i, r := range t.slots {
		if t.used[i] {
			fn(i, r)
		}
	}
}

func (t *Table) find(sub Subnet, gateway Addr) int {
	for i, r := range t.slots {
		if t.used[i] && r.Subnet == sub && r.Gateway == gateway {
			return i
		}
	}
	return -1
}

func (t *Table) load(idx int, r Route) {
	t.slots[idx], t.used[idx] = r, true
	for _, l := range t.listeners {
		l.RouteLoaded(idx, r)
	}
}
