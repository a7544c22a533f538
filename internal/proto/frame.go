package proto

// Sentinel precedes every frame header; a mismatch means the stream is out of sync.
const Sentinel = 0x05

// MaxPayloadSize decode-side cap (64MiB); larger advertised lengths are rejected
// before any allocation.
const MaxPayloadSize = 64 << 20

// Variant selects the header width ladder.
type Variant uint8

const (
	// Wide: 2-bit tag, 1..4 length bytes. Plaintext legs (rendezvous, relay join, hello).
	Wide Variant = iota
	// Narrow: 1-bit tag, 1 or 4 length bytes. Encrypted session leg.
	Narrow
)

type tier struct {
	width int
	max   uint64
}

var wideTiers = []tier{{1, 0x3F}, {2, 0x3FFF}, {3, 0x3FFFFF}, {4, 0x3FFFFFFF}}

var narrowTiers = []tier{{1, 0x7F}, {4, 0x7FFFFFFF}}

func (v Variant) tiers() []tier {
	if v == Narrow {
		return narrowTiers
	}
	return wideTiers
}

func (v Variant) tagBits() uint {
	if v == Narrow {
		return 1
	}
	return 2
}

// MaxLen largest payload length the variant can encode.
func (v Variant) MaxLen() uint64 {
	t := v.tiers()
	return t[len(t)-1].max
}

// TierMax per-tier ceilings, smallest first.
func (v Variant) TierMax() []uint64 {
	t := v.tiers()
	out := make([]uint64, len(t))
	for i := range t {
		out[i] = t[i].max
	}
	return out
}

func (v Variant) String() string {
	if v == Narrow {
		return "narrow"
	}
	return "wide"
}

// Frame: one decoded frame; Header includes the sentinel.
type Frame struct {
	Header  []byte
	Payload []byte
}
