package torrent

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/ign-ite/bittorrent-client/bencode"
)

// buildTorrentBytes bencodes a minimal single-file or multi-file torrent
// around the given payload, splitting it into pieces of pieceLength.
func buildTorrentBytes(t *testing.T, name string, payload []byte, pieceLength int64, multiFile bool) []byte {
	t.Helper()

	var pieces []byte
	for offset := int64(0); offset < int64(len(payload)); offset += pieceLength {
		end := min(offset+pieceLength, int64(len(payload)))
		hash := sha1.Sum(payload[offset:end])
		pieces = append(pieces, hash[:]...)
	}

	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       string(pieces),
	}
	if multiFile {
		half := int64(len(payload)) / 2
		info["files"] = []interface{}{
			map[string]interface{}{
				"length": half,
				"path":   []interface{}{"part1.bin"},
			},
			map[string]interface{}{
				"length": int64(len(payload)) - half,
				"path":   []interface{}{"sub", "part2.bin"},
			},
		}
	} else {
		info["length"] = int64(len(payload))
	}

	root := map[string]interface{}{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}

	return bencode.NewData(root).ToBytes()
}

func TestTorrentFromBytesSingleFile(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := buildTorrentBytes(t, "payload.bin", payload, 40, false)

	tor, err := TorrentFromBytes(raw)
	if err != nil {
		t.Fatalf("TorrentFromBytes: %v", err)
	}

	if tor.Length != 100 {
		t.Errorf("Length = %d, want 100", tor.Length)
	}
	if len(tor.PieceHashes) != 3 {
		t.Fatalf("expected 3 pieces (40,40,20), got %d", len(tor.PieceHashes))
	}
	if tor.PieceLen(0) != 40 || tor.PieceLen(2) != 20 {
		t.Errorf("piece lengths wrong: %d, %d", tor.PieceLen(0), tor.PieceLen(2))
	}
	if len(tor.FileList) != 1 || tor.FileList[0].Path != "payload.bin" {
		t.Fatalf("unexpected file list: %+v", tor.FileList)
	}
	if tor.AnnounceList[0] != "http://tracker.example.com/announce" {
		t.Errorf("unexpected announce: %v", tor.AnnounceList)
	}
}

func TestTorrentFromBytesMultiFile(t *testing.T) {
	payload := make([]byte, 64)
	raw := buildTorrentBytes(t, "multi", payload, 16, true)

	tor, err := TorrentFromBytes(raw)
	if err != nil {
		t.Fatalf("TorrentFromBytes: %v", err)
	}
	if len(tor.FileList) != 2 {
		t.Fatalf("expected 2 files, got %d", len(tor.FileList))
	}
	if tor.FileList[0].Path != "part1.bin" || tor.FileList[1].Path != "sub/part2.bin" {
		t.Fatalf("unexpected paths: %q %q", tor.FileList[0].Path, tor.FileList[1].Path)
	}
	if tor.FileList[0].Length+tor.FileList[1].Length != tor.Length {
		t.Fatalf("file lengths don't sum to total length")
	}
}

func TestInfoHashIsSHA1OfInfoDict(t *testing.T) {
	payload := []byte("some small payload")
	raw := buildTorrentBytes(t, "x.bin", payload, 16, false)

	data, _, err := bencode.Decode(raw)
	if err != nil {
		t.Fatalf("bencode.Decode: %v", err)
	}
	wantHash := sha1.Sum(data.AsDict()["info"].ToBytes())

	tor := TorrentFromBencodeData(data)
	if tor.InfoHash != wantHash {
		t.Fatalf("info hash mismatch: got %x, want %x", tor.InfoHash, wantHash)
	}
}

func TestVerifyTorrentMultiFile(t *testing.T) {
	payload := make([]byte, 48)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	raw := buildTorrentBytes(t, "verify-multi", payload, 16, true)

	tor, err := TorrentFromBytes(raw)
	if err != nil {
		t.Fatalf("TorrentFromBytes: %v", err)
	}

	dir := t.TempDir()
	layout, err := newFileLayout(tor, dir, true)
	if err != nil {
		t.Fatalf("newFileLayout: %v", err)
	}
	if err := layout.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	layout.Close()

	torrentPath := filepath.Join(dir, "verify-multi.torrent")
	if err := os.WriteFile(torrentPath, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := VerifyTorrent(torrentPath, dir); err != nil {
		t.Fatalf("VerifyTorrent: %v", err)
	}
}

func TestVerifyTorrentDetectsCorruption(t *testing.T) {
	payload := make([]byte, 32)
	raw := buildTorrentBytes(t, "corrupt.bin", payload, 16, false)

	tor, err := TorrentFromBytes(raw)
	if err != nil {
		t.Fatalf("TorrentFromBytes: %v", err)
	}

	dir := t.TempDir()
	layout, err := newFileLayout(tor, dir, true)
	if err != nil {
		t.Fatalf("newFileLayout: %v", err)
	}
	corrupted := append([]byte{}, payload...)
	corrupted[0] ^= 0xFF
	if err := layout.WriteAt(corrupted, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	layout.Close()

	torrentPath := filepath.Join(dir, "corrupt.torrent")
	if err := os.WriteFile(torrentPath, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := VerifyTorrent(torrentPath, dir); err == nil {
		t.Fatal("expected VerifyTorrent to detect corruption")
	}
}
