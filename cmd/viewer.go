package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"firestige.xyz/satcat5/internal/codec"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/host"
	"firestige.xyz/satcat5/internal/pktio"
)

const defaultBaud = 921600

var viewerCmd = &cobra.Command{
	Use:   "viewer <device> [<baud>]",
	Short: "Print switch log records and frames from a SLIP serial line",
	Long: `Open a serial device, decode SLIP framing with CRC32 check, and print
each switch log record. Frames that are not log records are summarised
as Ethernet packets.

A device outside /dev is read as a raw byte capture of the line.

Examples:
  satcat5 viewer /dev/ttyUSB0
  satcat5 viewer /dev/ttyUSB0 115200
  satcat5 viewer --raw line.bin`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baud := defaultBaud
		if len(args) > 1 {
			b, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("baud %q: %w", args[1], err)
			}
			baud = b
		}
		src, err := openViewerSource(args[0], baud, len(args) > 1)
		if err != nil {
			return err
		}
		defer src.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		st, err := runViewer(ctx, src, cmd.OutOrStdout(), viewerRaw)
		fmt.Fprintf(cmd.ErrOrStderr(), "%d record(s), %d frame(s), %d framing error(s), %d FCS error(s)\n",
			st.Records, st.Frames, st.FramingErrors, st.FcsErrors)
		return err
	},
}

var viewerRaw bool

func init() {
	viewerCmd.Flags().BoolVar(&viewerRaw, "raw", false, "treat every frame as Ethernet")
}

func openViewerSource(dev string, baud int, tty bool) (io.ReadCloser, error) {
	if tty || strings.HasPrefix(dev, "/dev/") {
		return host.OpenTty(dev, baud)
	}
	return os.Open(dev)
}

// viewerStats counts what the viewer decoded.
type viewerStats struct {
	Records       int
	Frames        int
	FramingErrors uint64
	FcsErrors     uint64
}

// frameSink hands each complete frame to fn.
type frameSink struct {
	buf  []byte
	over bool
	fn   func([]byte)
}

func (s *frameSink) WriteSpace() int { return host.MaxFrame + 4 - len(s.buf) }

func (s *frameSink) WriteBytes(b []byte) {
	if s.over || len(b) > s.WriteSpace() {
		s.over = true
		return
	}
	s.buf = append(s.buf, b...)
}

func (s *frameSink) WriteFinalize() bool {
	defer s.WriteAbort()
	if s.over {
		return false
	}
	s.fn(s.buf)
	return true
}

func (s *frameSink) WriteAbort() {
	s.buf = s.buf[:0]
	s.over = false
}

// runViewer decodes src until EOF or until ctx ends.
func runViewer(ctx context.Context, src io.Reader, out io.Writer, raw bool) (st viewerStats, err error) {
	sink := &frameSink{fn: func(frame []byte) {
		if !raw && len(frame) < 60 {
			if rec, err := ethsw.ParseLogRecord(frame); err == nil {
				st.Records++
				fmt.Fprintln(out, rec.String())
				return
			}
		}
		st.Frames++
		fmt.Fprintln(out, describeFrame(frame))
	}}
	c := codec.NewSlipCodec(&pktio.NullSink{}, nil, sink)
	dec := c.Decoder()

	buf := make([]byte, 4096)
	defer func() {
		st.FramingErrors, st.FcsErrors = c.FramingErrors(), c.FcsErrors()
	}()
	for ctx.Err() == nil {
		n, rerr := src.Read(buf)
		if n > 0 {
			dec.Decode(buf[:n])
		}
		if errors.Is(rerr, io.EOF) {
			return st, nil
		}
		if rerr != nil {
			return st, rerr
		}
	}
	return st, nil
}

// describeFrame summarises an Ethernet frame on one line.
func describeFrame(frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	names := make([]string, 0, 4)
	for _, l := range pkt.Layers() {
		names = append(names, l.LayerType().String())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d bytes %s", len(frame), strings.Join(names, "/"))
	if ll := pkt.LinkLayer(); ll != nil {
		fmt.Fprintf(&b, " %s", ll.LinkFlow())
	}
	if nl := pkt.NetworkLayer(); nl != nil {
		fmt.Fprintf(&b, " %s", nl.NetworkFlow())
	}
	if tl := pkt.TransportLayer(); tl != nil {
		fmt.Fprintf(&b, " %s", tl.TransportFlow())
	}
	if el := pkt.ErrorLayer(); el != nil {
		fmt.Fprintf(&b, " (%v)", el.Error())
	}
	return b.String()
}
