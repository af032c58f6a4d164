package torrent

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ign-ite/bittorrent-client/bencode"
)

// DefaultPort is the TCP port we advertise to the tracker for inbound
// connections. Since this client never serves blocks, nothing actually
// listens on it, but trackers expect a value.
const DefaultPort = 6889

type httpTracker struct {
	announceURL string
	client      *resty.Client
	lastCheck   int64
	lastError   error
	lastWarning string
	seeders     int
	leechers    int
}

// NewHTTPTracker builds a Tracker that speaks the bencoded HTTP GET
// announce protocol (spec section 6).
func NewHTTPTracker(announce string) Tracker {
	return &httpTracker{
		announceURL: announce,
		client:      resty.New(),
	}
}

func (t *httpTracker) AnnounceURL() string { return t.announceURL }
func (t *httpTracker) LastCheck() int64    { return t.lastCheck }
func (t *httpTracker) LastError() error    { return t.lastError }
func (t *httpTracker) Seeders() int        { return t.seeders }
func (t *httpTracker) Leechers() int       { return t.leechers }

func (t *httpTracker) Close() error {
	t.client.SetCloseConnection(true)
	return nil
}

func (t *httpTracker) Announce(ctx context.Context, me *Peer, tor *Torrent, stats AnnounceStats) (*AnnounceResult, error) {
	req := t.client.R().
		SetContext(ctx).
		SetQueryParam("info_hash", string(tor.InfoHash[:])).
		SetQueryParam("peer_id", me.ID).
		SetQueryParam("port", fmt.Sprintf("%d", DefaultPort)).
		SetQueryParam("uploaded", fmt.Sprintf("%d", stats.Uploaded)).
		SetQueryParam("downloaded", fmt.Sprintf("%d", stats.Downloaded)).
		SetQueryParam("left", fmt.Sprintf("%d", stats.Left)).
		SetQueryParam("compact", "1")
	if stats.First {
		req.SetQueryParam("event", "started")
	}

	resp, err := req.Get(t.announceURL)
	if err != nil {
		t.lastError = fmt.Errorf("tracker request failed: %w", err)
		return nil, t.lastError
	}
	t.lastCheck = time.Now().Unix()
	if resp.StatusCode() != 200 {
		t.lastError = fmt.Errorf("tracker returned status %d", resp.StatusCode())
		return nil, t.lastError
	}

	data, _, err := bencode.Decode(resp.Body())
	if err != nil {
		t.lastError = fmt.Errorf("decoding tracker response: %w", err)
		return nil, t.lastError
	}
	respDict := data.AsDict()

	if failureReason, ok := respDict["failure reason"]; ok {
		t.lastError = fmt.Errorf("tracker failure: %s", failureReason.AsString())
		return nil, t.lastError
	}

	result := &AnnounceResult{Interval: 30 * time.Minute}
	if interval, ok := respDict["interval"]; ok {
		result.Interval = time.Duration(interval.AsInt()) * time.Second
	}
	if complete, ok := respDict["complete"]; ok {
		t.seeders = int(complete.AsInt())
	}
	if incomplete, ok := respDict["incomplete"]; ok {
		t.leechers = int(incomplete.AsInt())
	}
	if warning, ok := respDict["warning message"]; ok {
		t.lastWarning = warning.AsString()
	}

	if peersData, ok := respDict["peers"]; ok {
		result.Peers = decodePeers(peersData)
	}

	t.lastError = nil
	return result, nil
}

// decodePeers parses the "peers" value in either compact (6 bytes per
// peer: 4-byte IPv4, 2-byte big-endian port) or non-compact (list of
// dicts) form.
func decodePeers(peersData *bencode.Data) []*Peer {
	var peers []*Peer
	switch peersData.Type {
	case bencode.STRING:
		raw := peersData.AsBytes()
		for i := 0; i+6 <= len(raw); i += 6 {
			peers = append(peers, &Peer{
				IP:   fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3]),
				Port: uint16(raw[i+4])<<8 | uint16(raw[i+5]),
			})
		}
	case bencode.LIST:
		for _, peerData := range peersData.AsList() {
			peerDict := peerData.AsDict()
			peers = append(peers, &Peer{
				IP:   peerDict["ip"].AsString(),
				Port: uint16(peerDict["port"].AsInt()),
			})
		}
	}
	return peers
}
