package torrent

import "encoding/binary"

// StreamParser turns a byte stream, fed in arbitrarily-sized chunks, into
// a sequence of framed Messages. It holds a growing buffer and, each time
// Feed is called, drains out every complete frame already present; this
// matches spec section 4.1's framing rule regardless of how the
// underlying TCP reads happen to chunk the stream.
type StreamParser struct {
	buf []byte
}

// NewStreamParser seeds the parser with any bytes already read past the
// handshake (spec section 4.2's "important subtlety").
func NewStreamParser(initial []byte) *StreamParser {
	p := &StreamParser{buf: make([]byte, len(initial))}
	copy(p.buf, initial)
	return p
}

// Feed appends newly-read bytes and returns every complete message now
// available, in wire order. A non-nil error means the stream is
// malformed and the owning session must terminate; messages decoded
// before the malformed frame are still returned alongside it.
func (p *StreamParser) Feed(data []byte) ([]Message, error) {
	p.buf = append(p.buf, data...)
	var out []Message
	for {
		if len(p.buf) < 4 {
			return out, nil
		}
		length := binary.BigEndian.Uint32(p.buf[0:4])
		if len(p.buf) < 4+int(length) {
			return out, nil
		}
		frameBytes := p.buf[:4+int(length)]
		msg, err := DecodeMessage(frameBytes)
		if err != nil {
			return out, err
		}
		p.buf = p.buf[4+int(length):]
		out = append(out, msg)
	}
}
