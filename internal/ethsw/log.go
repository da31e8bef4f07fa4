package ethsw

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/pktio"
)

// Field numbers of an encoded LogRecord.
const (
	logFieldTime    protowire.Number = 1
	logFieldSrcPort protowire.Number = 2
	logFieldMask    protowire.Number = 3
	logFieldResult  protowire.Number = 4
	logFieldReason  protowire.Number = 5
	logFieldSrcMac  protowire.Number = 6
	logFieldDstMac  protowire.Number = 7
	logFieldEType   protowire.Number = 8
	logFieldVid     protowire.Number = 9
	logFieldLen     protowire.Number = 10
)

// LogRecord is one switching decision.
type LogRecord struct {
	Usec    uint64
	SrcPort int
	DstMask uint32
	Result  Result
	Reason  Reason
	SrcMac  eth.MacAddr
	DstMac  eth.MacAddr
	EType   uint16
	Vid     uint16
	Len     int
}

// Append encodes r as a protobuf wire message.
func (r *LogRecord) Append(b []byte) []byte {
	b = appendVarint(b, logFieldTime, r.Usec)
	b = appendVarint(b, logFieldSrcPort, uint64(r.SrcPort))
	b = appendVarint(b, logFieldMask, uint64(r.DstMask))
	b = appendVarint(b, logFieldResult, uint64(r.Result))
	if r.Reason != ReasonNone {
		b = appendVarint(b, logFieldReason, uint64(r.Reason))
	}
	b = protowire.AppendTag(b, logFieldSrcMac, protowire.BytesType)
	b = protowire.AppendBytes(b, r.SrcMac[:])
	b = protowire.AppendTag(b, logFieldDstMac, protowire.BytesType)
	b = protowire.AppendBytes(b, r.DstMac[:])
	b = appendVarint(b, logFieldEType, uint64(r.EType))
	if r.Vid != 0 {
		b = appendVarint(b, logFieldVid, uint64(r.Vid))
	}
	return appendVarint(b, logFieldLen, uint64(r.Len))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// ParseLogRecord decodes one record. Unknown fields are skipped.
func ParseLogRecord(b []byte) (LogRecord, error) {
	var r LogRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("switch log: %w", core.ErrMalformed)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return r, fmt.Errorf("switch log: %w", core.ErrMalformed)
			}
			b = b[m:]
			r.setVarint(num, v)
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return r, fmt.Errorf("switch log: %w", core.ErrMalformed)
			}
			b = b[m:]
			switch num {
			case logFieldSrcMac:
				copy(r.SrcMac[:], v)
			case logFieldDstMac:
				copy(r.DstMac[:], v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return r, fmt.Errorf("switch log: %w", core.ErrMalformed)
			}
			b = b[m:]
		}
	}
	return r, nil
}

func (r *LogRecord) setVarint(num protowire.Number, v uint64) {
	switch num {
	case logFieldTime:
		r.Usec = v
	case logFieldSrcPort:
		r.SrcPort = int(v)
	case logFieldMask:
		r.DstMask = uint32(v)
	case logFieldResult:
		r.Result = Result(v)
	case logFieldReason:
		r.Reason = Reason(v)
	case logFieldEType:
		r.EType = uint16(v)
	case logFieldVid:
		r.Vid = uint16(v)
	case logFieldLen:
		r.Len = int(v)
	}
}

// String formats the record as a log line.
func (r LogRecord) String() string {
	ts := time.UnixMicro(int64(r.Usec)).UTC().Format("15:04:05.000000")
	s := fmt.Sprintf("%s port %d %s > %s type 0x%04x", ts, r.SrcPort, r.SrcMac, r.DstMac, r.EType)
	if r.Vid != 0 {
		s += fmt.Sprintf(" vid %d", r.Vid)
	}
	s += fmt.Sprintf(" len %d: %s", r.Len, r.Result)
	switch r.Result {
	case Drop:
		s += " (" + r.Reason.String() + ")"
	case Forward:
		s += fmt.Sprintf(" mask 0x%x", r.DstMask)
	}
	return s
}

// SwitchLog writes a LogRecord for each frame the switch handles. Each
// record is one frame on dst; records that do not fit are counted and
// discarded.
type SwitchLog struct {
	dst       pktio.Writeable
	clock     func() uint64
	dropsOnly bool
	buf       []byte
	written   uint64
	lost      uint64
}

// NewSwitchLog creates a log writing to dst.
func NewSwitchLog(dst pktio.Writeable) *SwitchLog {
	return &SwitchLog{
		dst:   dst,
		clock: func() uint64 { return uint64(time.Now().UnixMicro()) },
		buf:   make([]byte, 0, 64),
	}
}

// SetClock replaces the timestamp source, in microseconds.
func (l *SwitchLog) SetClock(fn func() uint64) { l.clock = fn }

// SetDropsOnly limits the log to dropped frames.
func (l *SwitchLog) SetDropsOnly(on bool) { l.dropsOnly = on }

func (l *SwitchLog) Written() uint64 { return l.written }
func (l *SwitchLog) Lost() uint64    { return l.lost }

// Record logs the decision held in p.
func (l *SwitchLog) Record(p *PluginPacket) {
	if l.dropsOnly && p.result != Drop {
		return
	}
	r := LogRecord{
		Usec:    l.clock(),
		SrcPort: p.Src,
		DstMask: p.DstMask,
		Result:  p.result,
		Reason:  p.reason,
		SrcMac:  p.Eth.Src,
		DstMac:  p.Eth.Dst,
		EType:   p.Eth.EType,
		Vid:     p.Vtag.Vid(),
		Len:     p.Len,
	}
	l.buf = r.Append(l.buf[:0])
	if l.dst.WriteSpace() < len(l.buf) {
		l.lost++
		return
	}
	l.dst.WriteBytes(l.buf)
	if l.dst.WriteFinalize() {
		l.written++
	} else {
		l.lost++
	}
}
