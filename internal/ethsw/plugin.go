package ethsw

import "reflect"

// PluginCore sees every frame entering the switch. It may narrow
// DstMask, divert the frame or drop it.
type PluginCore interface {
	Query(p *PluginPacket)
}

// PluginPort is attached to one port and sees frames entering the
// switch from it and leaving the switch through it.
type PluginPort interface {
	Ingress(p *PluginPacket)
	Egress(p *PluginPacket)
}

// PluginFunc adapts a function to PluginCore.
type PluginFunc func(p *PluginPacket)

func (f PluginFunc) Query(p *PluginPacket) { f(p) }

// samePlugin compares two plugins without panicking on function values,
// which never compare equal.
func samePlugin(a, b any) bool {
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}
