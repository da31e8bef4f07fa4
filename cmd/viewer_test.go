package cmd

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/codec"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/pktio"
)

// slipLine encodes each frame the way a switch sends it on a serial port.
func slipLine(t *testing.T, frames ...[]byte) []byte {
	t.Helper()
	line := pktio.NewStreamBuffer(nil, make([]byte, 8192))
	c := codec.NewSlipCodec(line, nil, &pktio.NullSink{})
	for _, f := range frames {
		c.WriteBytes(f)
		require.True(t, c.WriteFinalize())
	}
	out := make([]byte, line.ReadReady())
	require.True(t, line.ReadBytes(out))
	return out
}

func udpFrame(t *testing.T) []byte {
	t.Helper()
	src, _ := net.ParseMAC("02:00:00:00:00:01")
	dst, _ := net.ParseMAC("02:00:00:00:00:02")
	buf := gopacket.NewSerializeBuffer()
	udp := &layers.UDP{SrcPort: 5000, DstPort: 6000}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true},
		&layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4},
		ip4, udp,
		gopacket.Payload(bytes.Repeat([]byte{0x55}, 32)),
	)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestViewerPrintsRecordsAndFrames(t *testing.T) {
	smac, _ := eth.ParseMac("de:ad:be:ef:00:01")
	rec := ethsw.LogRecord{
		Usec:    1500000,
		SrcPort: 2,
		Result:  ethsw.Drop,
		Reason:  ethsw.ReasonVlanAdmit,
		SrcMac:  smac,
		DstMac:  eth.MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EType:   0x0800,
		Vid:     7,
		Len:     64,
	}
	line := slipLine(t, rec.Append(nil), udpFrame(t))

	var out bytes.Buffer
	st, err := runViewer(context.Background(), bytes.NewReader(line), &out, false)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, 1, st.Frames)
	assert.Zero(t, st.FcsErrors)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "port 2")
	assert.Contains(t, lines[0], "vid 7")
	assert.Contains(t, lines[0], "drop (vlan-admit)")
	assert.Contains(t, lines[1], "Ethernet/IPv4/UDP")
	assert.Contains(t, lines[1], "10.0.0.1->10.0.0.2")
	assert.Contains(t, lines[1], "5000->6000")
}

func TestViewerRawMode(t *testing.T) {
	rec := ethsw.LogRecord{Usec: 1, SrcPort: 1, Len: 60}
	line := slipLine(t, rec.Append(nil))

	var out bytes.Buffer
	st, err := runViewer(context.Background(), bytes.NewReader(line), &out, true)
	require.NoError(t, err)
	assert.Zero(t, st.Records)
	assert.Equal(t, 1, st.Frames)
}

func TestViewerCountsCorruptFrames(t *testing.T) {
	line := slipLine(t, udpFrame(t))
	line[10] ^= 0x01

	var out bytes.Buffer
	st, err := runViewer(context.Background(), bytes.NewReader(line), &out, false)
	require.NoError(t, err)
	assert.Zero(t, st.Frames)
	assert.Equal(t, uint64(1), st.FcsErrors)
	assert.Zero(t, st.FramingErrors)
	assert.Empty(t, out.String())
}

func TestViewerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := runViewer(ctx, bytes.NewReader(slipLine(t, udpFrame(t))), &bytes.Buffer{}, false)
	require.NoError(t, err)
	assert.Zero(t, st.Frames)
}
