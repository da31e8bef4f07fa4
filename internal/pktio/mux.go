package pktio

// MuxDown connects one controller to one of N devices at a time.
// Controller output goes to the selected device and that device's
// output returns to the controller. Output from unselected devices is
// discarded.
type MuxDown struct {
	ctrlTx Writeable
	devTx  []Writeable
	sel    int
	null   NullSink
}

// NewMuxDown attaches to the controller pair. No device is selected.
func NewMuxDown(ctrlTx Writeable, ctrlRx Readable) *MuxDown {
	m := &MuxDown{ctrlTx: ctrlTx, sel: -1}
	if ctrlRx != nil {
		ctrlRx.SetCallback(ListenerFunc(m.ctrlRcvd))
	}
	return m
}

// AddDevice appends a device pair and returns its index.
func (m *MuxDown) AddDevice(tx Writeable, rx Readable) int {
	idx := len(m.devTx)
	m.devTx = append(m.devTx, tx)
	if rx != nil {
		rx.SetCallback(ListenerFunc(func(src Readable) { m.devRcvd(idx, src) }))
	}
	return idx
}

// Select routes traffic to device idx. An out-of-range index selects
// nothing.
func (m *MuxDown) Select(idx int) {
	if idx < 0 || idx >= len(m.devTx) {
		idx = -1
	}
	m.sel = idx
}

// Selected returns the active device index, or -1.
func (m *MuxDown) Selected() int { return m.sel }

func (m *MuxDown) ctrlRcvd(src Readable) {
	var dst Writeable = &m.null
	if m.sel >= 0 && m.devTx[m.sel] != nil {
		dst = m.devTx[m.sel]
	}
	CopyFrame(dst, src)
}

func (m *MuxDown) devRcvd(idx int, src Readable) {
	if idx != m.sel || m.ctrlTx == nil {
		src.ReadFinalize()
		return
	}
	CopyFrame(m.ctrlTx, src)
}

// MuxUp shares one device among N virtual ports. Only the selected port
// reaches the device; writes to any other port are discarded and device
// output is delivered to the selected port's receiver only.
type MuxUp struct {
	devTx Writeable
	ports []*MuxPort
	sel   int
	null  NullSink
}

// MuxPort is one virtual endpoint of a MuxUp. Writes go to the device
// while the port is selected.
type MuxPort struct {
	mux    *MuxUp
	idx    int
	rx     Writeable
	target Writeable
}

// NewMuxUp attaches to the device pair. No port is selected.
func NewMuxUp(devTx Writeable, devRx Readable) *MuxUp {
	m := &MuxUp{devTx: devTx, sel: -1}
	if devRx != nil {
		devRx.SetCallback(ListenerFunc(m.devRcvd))
	}
	return m
}

// AddPort creates a virtual port whose received frames go to rx.
func (m *MuxUp) AddPort(rx Writeable) *MuxPort {
	p := &MuxPort{mux: m, idx: len(m.ports), rx: rx}
	m.ports = append(m.ports, p)
	return p
}

// Select makes port idx the active one. An out-of-range index selects
// nothing.
func (m *MuxUp) Select(idx int) {
	if idx < 0 || idx >= len(m.ports) {
		idx = -1
	}
	m.sel = idx
}

// Selected returns the active port index, or -1.
func (m *MuxUp) Selected() int { return m.sel }

func (m *MuxUp) devRcvd(src Readable) {
	if m.sel < 0 || m.ports[m.sel].rx == nil {
		src.ReadFinalize()
		return
	}
	CopyFrame(m.ports[m.sel].rx, src)
}

// Index returns the port's position in its mux.
func (p *MuxPort) Index() int { return p.idx }

func (p *MuxPort) latch() Writeable {
	if p.target == nil {
		if p.mux.sel == p.idx && p.mux.devTx != nil {
			p.target = p.mux.devTx
		} else {
			p.target = &p.mux.null
		}
	}
	return p.target
}

func (p *MuxPort) WriteSpace() int { return p.latch().WriteSpace() }

func (p *MuxPort) WriteBytes(src []byte) { p.latch().WriteBytes(src) }

func (p *MuxPort) WriteFinalize() bool {
	ok := p.latch().WriteFinalize()
	p.target = nil
	return ok
}

func (p *MuxPort) WriteAbort() {
	p.latch().WriteAbort()
	p.target = nil
}
