package torrent

import (
	"context"
	"net"
	"testing"
	"time"
)

// fakePeer accepts one connection, performs the handshake, advertises a
// full bitfield, unchokes, and serves whatever blocks are requested from
// payload.
func fakePeer(t *testing.T, ln net.Listener, infoHash [20]byte, payload []byte, pieceCount int) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("fakePeer accept: %v", err)
		return
	}
	defer conn.Close()

	buf := make([]byte, HandshakeLength)
	if _, err := readFull(conn, buf); err != nil {
		t.Errorf("fakePeer read handshake: %v", err)
		return
	}
	theirID := [20]byte{9, 9, 9}
	resp := Handshake{InfoHash: infoHash, PeerID: theirID}
	if _, err := conn.Write(resp.Encode()); err != nil {
		t.Errorf("fakePeer write handshake: %v", err)
		return
	}

	bits := NewBitfield(pieceCount)
	for i := 0; i < pieceCount; i++ {
		bits.SetPiece(i)
	}
	if _, err := conn.Write(BitfieldMsg{Bits: bits}.Encode()); err != nil {
		t.Errorf("fakePeer write bitfield: %v", err)
		return
	}
	if _, err := conn.Write(Unchoke{}.Encode()); err != nil {
		t.Errorf("fakePeer write unchoke: %v", err)
		return
	}

	parser := NewStreamParser(nil)
	readBuf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := conn.Read(readBuf)
		if err != nil {
			return
		}
		msgs, err := parser.Feed(readBuf[:n])
		if err != nil {
			t.Errorf("fakePeer feed: %v", err)
			return
		}
		for _, m := range msgs {
			req, ok := m.(Request)
			if !ok {
				continue
			}
			data := payload[int(req.Index)*len(payload)/pieceCount+int(req.Begin) : int(req.Index)*len(payload)/pieceCount+int(req.Begin)+int(req.Length)]
			piece := Piece{Index: req.Index, Begin: req.Begin, Data: append([]byte(nil), data...)}
			if _, err := conn.Write(piece.Encode()); err != nil {
				return
			}
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestChokeDoesNotClearPendingRequest exercises spec section 9's open
// question directly: a CHOKE arriving while a request is in flight must
// not clear flagPendingRequest (only a PIECE reply does that; the stuck
// block itself is freed by piece-manager timeout reclamation onto another
// peer). Otherwise the session could have two requests outstanding at once.
func TestChokeDoesNotClearPendingRequest(t *testing.T) {
	tor := testTorrent(t, make([]byte, 16), 16)
	pm, err := NewPieceManager(tor, t.TempDir())
	if err != nil {
		t.Fatalf("NewPieceManager: %v", err)
	}
	defer pm.Close()

	s := &Session{pm: pm}
	my := &myState{flags: flagInterested | flagPendingRequest}
	their := &peerState{}

	if err := s.handle(nil, Choke{}, my, their, PeerID{1}); err != nil {
		t.Fatalf("handle(Choke): %v", err)
	}

	if !my.has(flagPendingRequest) {
		t.Fatal("CHOKE must not clear a pending request")
	}
	if !my.has(flagChoked) {
		t.Fatal("CHOKE must set flagChoked")
	}
	if canRequest(my) {
		t.Fatal("canRequest must be false while choked, regardless of pending_request")
	}
}

// TestPieceClearsPendingRequest confirms the only session-local path that
// frees flagPendingRequest is a PIECE reply.
func TestPieceClearsPendingRequest(t *testing.T) {
	tor := testTorrent(t, make([]byte, 16), 16)
	pm, err := NewPieceManager(tor, t.TempDir())
	if err != nil {
		t.Fatalf("NewPieceManager: %v", err)
	}
	defer pm.Close()

	peer := PeerID{2}
	pm.AddPeer(peer, fullBitfield(1))
	req, ok := pm.NextRequest(peer)
	if !ok {
		t.Fatal("expected an initial request")
	}

	s := &Session{pm: pm}
	my := &myState{flags: flagInterested | flagPendingRequest}
	their := &peerState{}

	piece := Piece{Index: uint32(req.PieceIndex), Begin: uint32(req.Begin), Data: make([]byte, req.Length)}
	if err := s.handle(nil, piece, my, their, peer); err != nil {
		t.Fatalf("handle(Piece): %v", err)
	}
	if my.has(flagPendingRequest) {
		t.Fatal("PIECE must clear the pending request flag")
	}
}

func TestSessionDownloadsFromFakePeer(t *testing.T) {
	payload := make([]byte, 2*BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	tor := testTorrent(t, payload, int64(len(payload)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	pm, err := NewPieceManager(tor, t.TempDir())
	if err != nil {
		t.Fatalf("NewPieceManager: %v", err)
	}
	defer pm.Close()

	addr := ln.Addr().(*net.TCPAddr)
	peer := &Peer{IP: addr.IP.String(), Port: uint16(addr.Port)}

	queue := make(chan *Peer, 1)
	queue <- peer

	localID := NewLocalPeerID()
	session := NewSession(tor.InfoHash, localID, pm, queue)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go fakePeer(t, ln, tor.InfoHash, payload, len(tor.PieceHashes))
	go session.Run(ctx)

	deadline := time.After(8 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if pm.Complete() {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for piece manager to complete")
		}
	}
}
