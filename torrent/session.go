package torrent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// dialTimeout bounds how long a session waits to establish a TCP
// connection to a candidate peer before giving up and pulling the next
// address off the queue.
const dialTimeout = 10 * time.Second

// readTimeout bounds how long a session waits for any activity (a real
// message or a KEEP-ALIVE) before treating the peer as dead.
const readTimeout = 2 * time.Minute

// stateFlag is a bit in a peer session's state record. Spec section 9
// Design Notes calls for my_state/peer_state as bit-flag sets rather
// than a loose collection of booleans.
type stateFlag uint8

const (
	flagChoked stateFlag = 1 << iota
	flagInterested
	flagPendingRequest
	flagStopped
)

type myState struct {
	flags stateFlag
}

func (s *myState) has(f stateFlag) bool { return s.flags&f != 0 }
func (s *myState) set(f stateFlag)      { s.flags |= f }
func (s *myState) clear(f stateFlag)    { s.flags &^= f }

type peerState struct {
	flags stateFlag
}

func (s *peerState) has(f stateFlag) bool { return s.flags&f != 0 }
func (s *peerState) set(f stateFlag)      { s.flags |= f }
func (s *peerState) clear(f stateFlag)    { s.flags &^= f }

// Session is one of the coordinator's fixed pool of persistent peer
// connections (spec section 4.2/5). It owns its own TCP connection
// exclusively: nothing outside Run touches the socket. Across the
// lifetime of the pool a Session serves one peer address at a time,
// looping back to the shared queue when a connection ends.
type Session struct {
	infoHash [20]byte
	localID  [20]byte
	pm       *PieceManager
	queue    <-chan *Peer
}

// NewSession builds a session drawing candidate addresses from queue
// and reporting received blocks into pm.
func NewSession(infoHash, localID [20]byte, pm *PieceManager, queue <-chan *Peer) *Session {
	return &Session{infoHash: infoHash, localID: localID, pm: pm, queue: queue}
}

// Run pulls peer addresses off the queue and serves each connection to
// completion, until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer, ok := <-s.queue:
			if !ok {
				return
			}
			s.serve(ctx, peer)
		}
	}
}

func (s *Session) serve(ctx context.Context, peer *Peer) {
	conn, err := net.DialTimeout("tcp", peer.String(), dialTimeout)
	if err != nil {
		log.Info().Str("peer", peer.String()).Err(err).Msg("dial failed")
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))
	hs, tail, err := PerformHandshake(conn, s.infoHash, s.localID)
	if err != nil {
		log.Warn().Str("peer", peer.String()).Err(err).Msg("handshake failed")
		return
	}
	conn.SetDeadline(time.Time{})

	remoteID := PeerID(hs.PeerID)
	defer s.pm.RemovePeer(remoteID)

	my := &myState{flags: flagChoked}
	their := &peerState{}
	parser := NewStreamParser(tail)
	buf := make([]byte, 32*1024)

	// Spec section 4.2's state diagram sends INTERESTED unconditionally
	// right after the handshake, before entering the message loop
	// (original_source/TorLord/protocol.py's _start does the same).
	// This client downloads everything it is missing, so there is no
	// peer holdings to wait on first.
	my.set(flagInterested)
	if err := sendMessage(conn, Interested{}); err != nil {
		log.Info().Str("peer", peer.String()).Err(err).Msg("failed to send interested")
		return
	}

	// The first pass handles whatever arrived together with the handshake
	// before blocking on a read.
	var data []byte
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := parser.Feed(data)
		if err != nil {
			log.Warn().Str("peer", peer.String()).Err(err).Msg("malformed message stream")
			return
		}

		for _, m := range msgs {
			if err := s.handle(conn, m, my, their, remoteID); err != nil {
				log.Warn().Str("peer", peer.String()).Err(err).Msg("session aborting")
				return
			}
		}

		if canRequest(my) {
			if err := s.requestNext(conn, my, remoteID); err != nil {
				log.Info().Str("peer", peer.String()).Err(err).Msg("write failed")
				return
			}
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			log.Info().Str("peer", peer.String()).Err(err).Msg("connection closed")
			return
		}
		data = buf[:n]
	}
}

// canRequest is the _request_piece guard of spec section 4.2: not
// choked, interested, and no request already in flight.
func canRequest(my *myState) bool {
	return !my.has(flagChoked) && my.has(flagInterested) && !my.has(flagPendingRequest) && !my.has(flagStopped)
}

func (s *Session) requestNext(conn net.Conn, my *myState, remoteID PeerID) error {
	req, ok := s.pm.NextRequest(remoteID)
	if !ok {
		return nil
	}
	my.set(flagPendingRequest)
	return sendMessage(conn, Request{Index: uint32(req.PieceIndex), Begin: uint32(req.Begin), Length: uint32(req.Length)})
}

func (s *Session) handle(conn net.Conn, m Message, my *myState, their *peerState, remoteID PeerID) error {
	switch msg := m.(type) {
	case Choke:
		my.set(flagChoked)
	case Unchoke:
		my.clear(flagChoked)
	case Interested:
		their.set(flagInterested)
	case NotInterested:
		their.clear(flagInterested)
	case Have:
		s.pm.UpdatePeer(remoteID, int(msg.Index))
	case BitfieldMsg:
		s.pm.AddPeer(remoteID, msg.Bits)
	case Piece:
		my.clear(flagPendingRequest)
		s.pm.BlockReceived(remoteID, int(msg.Index), int64(msg.Begin), msg.Data)
	case Request, Cancel:
		// This client never seeds; upload requests are ignored.
	case KeepAlive:
		// no-op, connection liveness only
	default:
		return fmt.Errorf("unexpected message type %T", msg)
	}
	return nil
}

func sendMessage(conn net.Conn, m Message) error {
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	_, err := conn.Write(m.Encode())
	return err
}
