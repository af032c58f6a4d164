package torrent

import (
	"fmt"

	"github.com/gofrs/uuid"
)

// Peer is a remote peer address as learned from the tracker (IP/port) or,
// once connected, a PeerRecord's identity (spec section 3).
type Peer struct {
	ID   string
	IP   string
	Port uint16
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// localPeerIDPrefix is the Azureus-style client identifier this
// implementation advertises to trackers and in handshakes.
const localPeerIDPrefix = "-PC0001-"

// NewLocalPeerID builds the 20-byte ASCII peer id spec section 6
// requires: "-PC0001-" followed by 12 random digits.
func NewLocalPeerID() [20]byte {
	token, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails if the system RNG is broken, which we
		// can't recover from meaningfully; fall back to the zero UUID
		// rather than leaving the peer id malformed.
		token = uuid.UUID{}
	}

	digits := make([]byte, 12)
	for i := range digits {
		digits[i] = '0' + token[i%len(token)]%10
	}

	var id [20]byte
	copy(id[:], localPeerIDPrefix+string(digits))
	return id
}
