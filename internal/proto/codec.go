// Package proto: length-prefixed framing, the encrypted session stream and the
// CBOR record schema shared by peers, relays and the directory server.
package proto

import (
	"encoding/binary"
	"io"

	"dev.c0redev.rdlink/internal/errs"
)

// HeaderLen bytes of header (sentinel included) for a payload of n bytes.
func HeaderLen(v Variant, n uint64) (int, error) {
	for _, t := range v.tiers() {
		if n <= t.max {
			return 1 + t.width, nil
		}
	}
	return 0, errs.New(errs.KindInvalidData, "%s frame length %d overflows %d", v, n, v.MaxLen())
}

// AppendHeader appends sentinel + length field for n to dst.
func AppendHeader(dst []byte, v Variant, n uint64) ([]byte, error) {
	for tag, t := range v.tiers() {
		if n > t.max {
			continue
		}
		field := n<<v.tagBits() | uint64(tag)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], field)
		dst = append(dst, Sentinel)
		return append(dst, tmp[:t.width]...), nil
	}
	return dst, errs.New(errs.KindInvalidData, "%s frame length %d overflows %d", v, n, v.MaxLen())
}

// Encode header + payload.
func Encode(v Variant, payload []byte) ([]byte, error) {
	out := make([]byte, 0, 5+len(payload))
	out, err := AppendHeader(out, v, uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	return append(out, payload...), nil
}

// WriteFrame encodes payload and writes it in one call.
func WriteFrame(w io.Writer, v Variant, payload []byte) error {
	b, err := Encode(v, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return errs.FromIO(err)
	}
	return nil
}

// parseHeader: hdrLen, payload length; ok=false means more bytes are needed.
func parseHeader(v Variant, b []byte) (hdrLen int, n uint64, ok bool, err error) {
	if len(b) < 1 {
		return 0, 0, false, nil
	}
	if b[0] != Sentinel {
		return 0, 0, false, errs.New(errs.KindInvalidData, "bad sentinel 0x%02x", b[0])
	}
	if len(b) < 2 {
		return 0, 0, false, nil
	}
	tiers := v.tiers()
	tag := int(b[1]) & (1<<v.tagBits() - 1)
	if tag >= len(tiers) {
		return 0, 0, false, errs.New(errs.KindInvalidData, "bad %s header tag %d", v, tag)
	}
	width := tiers[tag].width
	if len(b) < 1+width {
		return 0, 0, false, nil
	}
	var tmp [8]byte
	copy(tmp[:], b[1:1+width])
	n = binary.LittleEndian.Uint64(tmp[:]) >> v.tagBits()
	if n > MaxPayloadSize {
		return 0, 0, false, errs.New(errs.KindInvalidData, "frame length %d exceeds %d", n, MaxPayloadSize)
	}
	return 1 + width, n, true, nil
}

// ReadFrame blocks until one whole frame is read. Stream close = Disconnection.
func ReadFrame(r io.Reader, v Variant) (Frame, error) {
	hdr := make([]byte, 2, 5)
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return Frame{}, errs.FromIO(err)
	}
	if hdr[0] != Sentinel {
		return Frame{}, errs.New(errs.KindInvalidData, "bad sentinel 0x%02x", hdr[0])
	}
	if _, err := io.ReadFull(r, hdr[1:2]); err != nil {
		return Frame{}, errs.FromIO(err)
	}
	tiers := v.tiers()
	tag := int(hdr[1]) & (1<<v.tagBits() - 1)
	if tag >= len(tiers) {
		return Frame{}, errs.New(errs.KindInvalidData, "bad %s header tag %d", v, tag)
	}
	hdr = hdr[:1+tiers[tag].width]
	if _, err := io.ReadFull(r, hdr[2:]); err != nil {
		return Frame{}, errs.FromIO(err)
	}
	hdrLen, n, ok, err := parseHeader(v, hdr)
	if err != nil {
		return Frame{}, err
	}
	if !ok || hdrLen != len(hdr) {
		return Frame{}, errs.New(errs.KindInvalidData, "short header")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, errs.FromIO(err)
	}
	return Frame{Header: hdr, Payload: payload}, nil
}

// Decoder: push-based; Write appends bytes, Next pops whole frames. For async
// readers that must not block on a partial frame.
type Decoder struct {
	v   Variant
	buf []byte
	err error
}

// NewDecoder for variant v.
func NewDecoder(v Variant) *Decoder {
	return &Decoder{v: v}
}

// Write buffers p; never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered bytes not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next whole frame; ready=false while it is incomplete. After
// an InvalidData fault the decoder stays failed.
func (d *Decoder) Next() (f Frame, ready bool, err error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}
	hdrLen, n, ok, err := parseHeader(d.v, d.buf)
	if err != nil {
		d.err = err
		return Frame{}, false, err
	}
	if !ok || uint64(len(d.buf)-hdrLen) < n {
		return Frame{}, false, nil
	}
	total := hdrLen + int(n)
	f = Frame{
		Header:  append([]byte(nil), d.buf[:hdrLen]...),
		Payload: make([]byte, n),
	}
	copy(f.Payload, d.buf[hdrLen:total])
	d.buf = d.buf[total:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return f, true, nil
}
