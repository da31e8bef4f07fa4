package pktio

import "firestige.xyz/satcat5/internal/poll"

// Override shares one device between local software and a remote
// controller. In local mode, frames written to the Override reach the
// device and device output goes to the local receiver. Any traffic from
// the remote endpoint switches to remote mode, where the remote owns
// the device and local writes are discarded. Remote mode reverts to
// local after the configured idle timeout.
type Override struct {
	devTx    Writeable
	localRx  Writeable
	remoteTx Writeable
	remoteRx Readable
	timer    *poll.Timer
	timeout  uint32
	remote   bool
	target   Writeable // latched for the local frame in progress
	discard  NullSink
}

// NewOverride connects the device pair (devTx, devRx) to a local
// receiver. Either side may be nil.
func NewOverride(s *poll.Scheduler, devTx Writeable, devRx Readable, localRx Writeable) *Override {
	o := &Override{devTx: devTx, localRx: localRx}
	o.timer = poll.NewTimer(s, o.expire)
	if devRx != nil {
		devRx.SetCallback(ListenerFunc(o.deviceRcvd))
	}
	return o
}

// SetRemote attaches the remote endpoint. Data read from rx counts as
// remote activity; device output is copied to tx while remote.
func (o *Override) SetRemote(rx Readable, tx Writeable) {
	if o.remoteRx != nil {
		o.remoteRx.SetCallback(nil)
	}
	o.remoteRx, o.remoteTx = rx, tx
	if rx != nil {
		rx.SetCallback(ListenerFunc(o.remoteRcvd))
	}
}

// SetTimeout sets the idle interval that reverts to local mode. Zero
// disables the timeout.
func (o *Override) SetTimeout(msec uint32) {
	o.timeout = msec
	if o.remote {
		o.arm()
	}
}

// SetOverride forces remote mode on or off. Entering remote mode starts
// the idle timeout as if remote traffic had just arrived.
func (o *Override) SetOverride(remote bool) {
	if remote {
		o.activate()
	} else {
		o.remote = false
		o.timer.Stop()
	}
}

// IsRemote reports whether the remote endpoint owns the device.
func (o *Override) IsRemote() bool { return o.remote }

func (o *Override) activate() {
	if !o.remote && o.target == o.devTx && o.devTx != nil {
		// Cut off a local frame that was already heading to the device.
		o.devTx.WriteAbort()
		o.target = &o.discard
	}
	o.remote = true
	o.arm()
}

func (o *Override) arm() {
	if o.timeout > 0 {
		o.timer.Once(o.timeout)
	} else {
		o.timer.Stop()
	}
}

func (o *Override) expire() {
	o.remote = false
}

func (o *Override) remoteRcvd(src Readable) {
	o.activate()
	if o.devTx == nil {
		src.ReadFinalize()
		return
	}
	CopyFrame(o.devTx, src)
}

func (o *Override) deviceRcvd(src Readable) {
	dst := o.localRx
	if o.remote {
		dst = o.remoteTx
	}
	if dst == nil {
		src.ReadFinalize()
		return
	}
	CopyFrame(dst, src)
}

func (o *Override) latch() Writeable {
	if o.target == nil {
		if o.remote || o.devTx == nil {
			o.target = &o.discard
		} else {
			o.target = o.devTx
		}
	}
	return o.target
}

func (o *Override) WriteSpace() int { return o.latch().WriteSpace() }

func (o *Override) WriteBytes(src []byte) { o.latch().WriteBytes(src) }

func (o *Override) WriteFinalize() bool {
	ok := o.latch().WriteFinalize()
	o.target = nil
	return ok
}

func (o *Override) WriteAbort() {
	o.latch().WriteAbort()
	o.target = nil
}
