package transport

import (
	"fmt"
	"strings"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// Adapter line protocol. Every message is one newline-terminated line.
//
// Host to adapter:
//
//	TX 45:01:02:03   transmit a frame
//	ADDR 4 5         acknowledge frames for these logical addresses
//	PROMISC 1|0      forward frames addressed to other devices
//	MONITOR 1|0      receive only, never drive the line
//
// Adapter to host:
//
//	RX 14:46                       a complete frame was received
//	TXOK | TXNAK | TXCOLL | TXBUSY result of the pending TX
//	BUSY | IDLE                    line activity started / ended
//
// Anything else is adapter debug output and is only forwarded to line
// subscribers.
const (
	cmdTransmit    = "TX"
	cmdAddresses   = "ADDR"
	cmdPromiscuous = "PROMISC"
	cmdMonitor     = "MONITOR"

	lineReceive = "RX"
	lineTxOK    = "TXOK"
	lineTxNak   = "TXNAK"
	lineTxColl  = "TXCOLL"
	lineTxBusy  = "TXBUSY"
	lineBusy    = "BUSY"
	lineIdle    = "IDLE"
)

// LineKind classifies an adapter line.
type LineKind int

const (
	LineUnknown LineKind = iota
	LineFrame
	LineResult
	LineBusy
	LineIdle
)

func (k LineKind) String() string {
	switch k {
	case LineFrame:
		return "frame"
	case LineResult:
		return "result"
	case LineBusy:
		return "busy"
	case LineIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// ClassifyLine inspects an adapter line and returns its kind with the
// argument part (the hex frame for LineFrame).
func ClassifyLine(line string) (LineKind, string) {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToUpper(word) {
	case lineReceive:
		return LineFrame, strings.TrimSpace(rest)
	case lineTxOK, lineTxNak, lineTxColl, lineTxBusy:
		return LineResult, strings.ToUpper(word)
	case lineBusy:
		return LineBusy, ""
	case lineIdle:
		return LineIdle, ""
	default:
		return LineUnknown, line
	}
}

func parseResult(word string) Status {
	switch word {
	case lineTxOK:
		return StatusAck
	case lineTxNak:
		return StatusNoAck
	case lineTxColl:
		return StatusCollision
	case lineTxBusy:
		return StatusBusy
	default:
		return 0
	}
}

// FormatFrame renders raw frame bytes in the colon hex notation.
func FormatFrame(frame []byte) string {
	var b strings.Builder
	for i, c := range frame {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

func transmitLine(frame []byte) string {
	return cmdTransmit + " " + FormatFrame(frame)
}

func addressesLine(addrs []cec.LogicalAddress) string {
	parts := make([]string, 0, len(addrs)+1)
	parts = append(parts, cmdAddresses)
	for _, a := range addrs {
		parts = append(parts, fmt.Sprintf("%d", a))
	}
	return strings.Join(parts, " ")
}

func flagLine(cmd string, on bool) string {
	if on {
		return cmd + " 1"
	}
	return cmd + " 0"
}
