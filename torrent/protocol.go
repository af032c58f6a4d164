package torrent

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Constants for the BitTorrent peer wire protocol.
const (
	ProtocolIdentifier = "BitTorrent protocol"
	HandshakeLength    = 49 + len(ProtocolIdentifier) // 68 bytes
	BlockSize          = 16 * 1024                    // 16 KiB, the maximum block length we request
)

// MessageID identifies the type of a framed peer-wire message.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

// Message is a decoded peer-wire message. Each concrete type knows how to
// serialize itself back to the exact length-prefixed frame it decodes
// from; KeepAlive is the zero-length, id-less special case.
type Message interface {
	Encode() []byte
}

type Choke struct{}
type Unchoke struct{}
type Interested struct{}
type NotInterested struct{}
type KeepAlive struct{}

type Have struct {
	Index uint32
}

// BitfieldMsg is the BITFIELD message; Bits is the advertised holdings.
type BitfieldMsg struct {
	Bits Bitfield
}

type Request struct {
	Index, Begin, Length uint32
}

type Piece struct {
	Index, Begin uint32
	Data         []byte
}

type Cancel struct {
	Index, Begin, Length uint32
}

func frame(id MessageID, payload []byte) []byte {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

func (Choke) Encode() []byte         { return frame(MsgChoke, nil) }
func (Unchoke) Encode() []byte       { return frame(MsgUnchoke, nil) }
func (Interested) Encode() []byte    { return frame(MsgInterested, nil) }
func (NotInterested) Encode() []byte { return frame(MsgNotInterested, nil) }
func (KeepAlive) Encode() []byte     { return make([]byte, 4) }

func (h Have) Encode() []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, h.Index)
	return frame(MsgHave, payload)
}

func (b BitfieldMsg) Encode() []byte {
	return frame(MsgBitfield, []byte(b.Bits))
}

func (r Request) Encode() []byte {
	return frame(MsgRequest, encodeBlockTriple(r.Index, r.Begin, r.Length))
}

func (p Piece) Encode() []byte {
	payload := make([]byte, 8+len(p.Data))
	binary.BigEndian.PutUint32(payload[0:4], p.Index)
	binary.BigEndian.PutUint32(payload[4:8], p.Begin)
	copy(payload[8:], p.Data)
	return frame(MsgPiece, payload)
}

func (c Cancel) Encode() []byte {
	return frame(MsgCancel, encodeBlockTriple(c.Index, c.Begin, c.Length))
}

func encodeBlockTriple(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// DecodeMessage decodes a single complete, length-prefixed frame (as
// produced by Message.Encode, or split out of a byte stream by
// StreamParser) into its concrete Message type. It is the inverse of
// Encode for every message id in the protocol.
func DecodeMessage(frameBytes []byte) (Message, error) {
	if len(frameBytes) < 4 {
		return nil, fmt.Errorf("protocol: frame shorter than length prefix: %d bytes", len(frameBytes))
	}
	length := binary.BigEndian.Uint32(frameBytes[0:4])
	if length == 0 {
		return KeepAlive{}, nil
	}
	if len(frameBytes) != int(4+length) {
		return nil, fmt.Errorf("protocol: frame length mismatch: header says %d, got %d bytes of body", length, len(frameBytes)-4)
	}
	id := MessageID(frameBytes[4])
	payload := frameBytes[5:]
	switch id {
	case MsgChoke:
		return Choke{}, nil
	case MsgUnchoke:
		return Unchoke{}, nil
	case MsgInterested:
		return Interested{}, nil
	case MsgNotInterested:
		return NotInterested{}, nil
	case MsgHave:
		if len(payload) != 4 {
			return nil, fmt.Errorf("protocol: HAVE payload invalid length: %d", len(payload))
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case MsgBitfield:
		bits := make(Bitfield, len(payload))
		copy(bits, payload)
		return BitfieldMsg{Bits: bits}, nil
	case MsgRequest:
		index, begin, ln, err := decodeBlockTriple(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: REQUEST: %w", err)
		}
		return Request{Index: index, Begin: begin, Length: ln}, nil
	case MsgPiece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("protocol: PIECE payload too short: %d bytes", len(payload))
		}
		index := binary.BigEndian.Uint32(payload[0:4])
		begin := binary.BigEndian.Uint32(payload[4:8])
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return Piece{Index: index, Begin: begin, Data: data}, nil
	case MsgCancel:
		index, begin, ln, err := decodeBlockTriple(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: CANCEL: %w", err)
		}
		return Cancel{Index: index, Begin: begin, Length: ln}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message id %d", id)
	}
}

func decodeBlockTriple(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		err = fmt.Errorf("payload invalid length: %d", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// Handshake is the fixed 68-byte message exchanged before any framed
// message: pstrlen | "BitTorrent protocol" | 8 reserved zero bytes |
// info_hash | peer_id.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLength)
	buf[0] = byte(len(ProtocolIdentifier))
	copy(buf[1:], ProtocolIdentifier)
	// buf[1+len : 1+len+8] stays zero (reserved)
	copy(buf[1+len(ProtocolIdentifier)+8:], h.InfoHash[:])
	copy(buf[1+len(ProtocolIdentifier)+8+20:], h.PeerID[:])
	return buf
}

// DecodeHandshake parses exactly HandshakeLength bytes. It fails if the
// pstrlen byte isn't 19 or the protocol string doesn't match.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength {
		return Handshake{}, fmt.Errorf("protocol: handshake wrong length: %d", len(buf))
	}
	pstrlen := int(buf[0])
	if pstrlen != len(ProtocolIdentifier) {
		return Handshake{}, fmt.Errorf("protocol: unexpected pstrlen %d", pstrlen)
	}
	if string(buf[1:1+pstrlen]) != ProtocolIdentifier {
		return Handshake{}, fmt.Errorf("protocol: unexpected protocol string %q", buf[1:1+pstrlen])
	}
	var h Handshake
	copy(h.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+8+20])
	copy(h.PeerID[:], buf[1+pstrlen+8+20:])
	return h, nil
}

// PerformHandshake writes our handshake and reads the peer's, validating
// its info_hash against ours. Bytes read past the 68-byte handshake are
// returned so the caller can seed the message-stream parser with them
// instead of discarding them.
func PerformHandshake(conn net.Conn, infoHash, localPeerID [20]byte) (Handshake, []byte, error) {
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})

	req := Handshake{InfoHash: infoHash, PeerID: localPeerID}
	if _, err := conn.Write(req.Encode()); err != nil {
		return Handshake{}, nil, fmt.Errorf("protocol: failed to send handshake: %w", err)
	}

	buf := make([]byte, 0, HandshakeLength)
	chunk := make([]byte, 4096)
	for len(buf) < HandshakeLength {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF && len(buf) >= HandshakeLength {
				break
			}
			return Handshake{}, nil, fmt.Errorf("protocol: failed to read handshake: %w", err)
		}
	}

	res, err := DecodeHandshake(buf[:HandshakeLength])
	if err != nil {
		return Handshake{}, nil, err
	}
	if res.InfoHash != infoHash {
		return Handshake{}, nil, fmt.Errorf("protocol: handshake with invalid info_hash")
	}
	return res, buf[HandshakeLength:], nil
}
