// Package protocol holds the wire-level rules shared by the central and the
// peripheral: transfer unit arithmetic, chunk segmentation and the optional
// length-prefix framing.
package protocol

const (
	// HeaderReserve is the ATT header subtracted from the transfer unit.
	HeaderReserve = 3

	// DefaultMTU is the BLE minimum transfer unit used before negotiation.
	DefaultMTU = 23

	// MaxMTU is the largest transfer unit host stacks will negotiate.
	MaxMTU = 517
)

// ClampMTU bounds a negotiated transfer unit to [DefaultMTU, MaxMTU].
// Peripherals occasionally report zero or absurd values.
func ClampMTU(mtu int) int {
	if mtu < DefaultMTU {
		return DefaultMTU
	}
	if mtu > MaxMTU {
		return MaxMTU
	}
	return mtu
}

// UsableUnit returns the payload bytes that fit in one write for the given
// transfer unit.
func UsableUnit(mtu int) int {
	return ClampMTU(mtu) - HeaderReserve
}

// NextChunk returns the chunk of payload starting at cursor, at most unit
// bytes long. It returns nil when cursor has reached the end of payload or
// unit is not positive.
func NextChunk(payload []byte, cursor, unit int) []byte {
	if unit <= 0 || cursor < 0 || cursor >= len(payload) {
		return nil
	}
	end := cursor + unit
	if end > len(payload) {
		end = len(payload)
	}
	return payload[cursor:end]
}

// Chunk splits payload into contiguous chunks of at most unit bytes, in
// order. Returns nil for an empty payload or a non-positive unit.
func Chunk(payload []byte, unit int) [][]byte {
	if len(payload) == 0 || unit <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(payload)+unit-1)/unit)
	for cursor := 0; cursor < len(payload); {
		c := NextChunk(payload, cursor, unit)
		chunks = append(chunks, c)
		cursor += len(c)
	}
	return chunks
}
