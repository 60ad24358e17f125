package wire

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Dump renders a decoded header and payload as a human-readable block for
// troubleshooting. It does not re-verify authentication; call Decode first.
func Dump(h Header, payload []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== AKARI-UDP datagram ===\n")
	fmt.Fprintf(&b, "version=0x%02x kind=%s flags=0x%02x\n", h.Version, h.Kind, uint8(h.Flags))
	fmt.Fprintf(&b, "identifier=%d seq=%d/%d payload_len=%d\n", h.Identifier, h.Sequence, h.SeqTotal, h.PayloadLen)
	if h.Timestamp != 0 {
		fmt.Fprintf(&b, "timestamp=%d\n", h.Timestamp)
	}
	fmt.Fprintf(&b, "payload (%d bytes): %s\n", len(payload), hex.EncodeToString(payload))
	return b.String()
}
