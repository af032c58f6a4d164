package torrent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ign-ite/bittorrent-client/bencode"
	"github.com/ign-ite/bittorrent-client/utils"
)

// Torrent is the descriptor the engine consumes: everything needed to
// identify the swarm, plan pieces, and lay files out on disk. It is
// immutable once parsed.
type Torrent struct {
	AnnounceList []string
	Name         string
	UrlList      []string
	CreatedBy    string
	Comment      string
	CreatedAt    int64
	FileList     []*File
	PieceLength  int64
	PieceHashes  [][20]byte
	InfoHash     [20]byte
	Length       int64
	IsPrivate    bool
}

func NewTorrent() *Torrent {
	return &Torrent{
		AnnounceList: make([]string, 0),
		UrlList:      make([]string, 0),
		FileList:     make([]*File, 0),
		PieceHashes:  make([][20]byte, 0),
	}
}

func (t *Torrent) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  Name: %s\n", t.Name))
	sb.WriteString(fmt.Sprintf("  InfoHash: %s\n", t.InfoHashString()))
	sb.WriteString(fmt.Sprintf("  Length: %s\n", utils.FormatBytes(t.Length)))

	sb.WriteString("  AnnounceList:\n")
	for _, announce := range t.AnnounceList {
		sb.WriteString(fmt.Sprintf("     %s\n", announce))
	}

	sb.WriteString("  UrlList:\n")
	for _, url := range t.UrlList {
		sb.WriteString(fmt.Sprintf("     %s\n", url))
	}
	sb.WriteString(fmt.Sprintf("  CreatedBy: %s\n", t.CreatedBy))
	sb.WriteString(fmt.Sprintf("  Comment: %s\n", t.Comment))
	sb.WriteString(fmt.Sprintf("  CreatedAt: %s\n", time.Unix(t.CreatedAt, 0).String()))
	sb.WriteString("  FileList:\n")
	for _, file := range t.FileList {
		sb.WriteString(fmt.Sprintf("     %s\n", file.String()))
	}
	sb.WriteString(fmt.Sprintf("  PieceLength: %s\n", utils.FormatBytes(t.PieceLength)))
	sb.WriteString(fmt.Sprintf("  Pieces: %d\n", len(t.PieceHashes)))

	return sb.String()
}

func (t *Torrent) InfoHashString() string {
	return hex.EncodeToString(t.InfoHash[:])
}

// PieceLen returns the byte length of piece i: PieceLength for every
// piece but (possibly) the last, which may be shorter.
func (t *Torrent) PieceLen(index int) int64 {
	if index == len(t.PieceHashes)-1 {
		if rem := t.Length % t.PieceLength; rem != 0 {
			return rem
		}
	}
	return t.PieceLength
}

type File struct {
	Length          int64
	Path            string
	FirstPieceIndex int
	LastPieceIndex  int
}

func NewFile(length int64, path string) *File {
	return &File{
		Length: length,
		Path:   path,
	}
}

func (f *File) String() string {
	return fmt.Sprintf("Path: %s(%s)", f.Path, utils.FormatBytes(f.Length))
}

// TorrentFromBencodeData converts bencode data into a Torrent struct.
// It extracts all torrent metadata including announce lists, file
// information, piece hashes, and other properties. Returns nil if the
// input data is nil.
func TorrentFromBencodeData(data *bencode.Data) *Torrent {
	if data == nil {
		return nil
	}
	torrent := NewTorrent()
	rootDict := data.AsDict()
	infoDict := rootDict["info"].AsDict()

	// announce-list
	if announceList, ok := rootDict["announce-list"]; ok {
		announceListData := announceList.AsList()
		for _, announceData := range announceListData {
			announceList := announceData.AsList()
			for _, announce := range announceList {
				torrent.AnnounceList = append(torrent.AnnounceList, announce.AsString())
			}
		}
	}

	// announce
	if announce, ok := rootDict["announce"]; ok {
		if !slices.Contains(torrent.AnnounceList, announce.AsString()) {
			torrent.AnnounceList = append(torrent.AnnounceList, announce.AsString())
		}
	}

	// name
	if name, ok := infoDict["name"]; ok {
		torrent.Name = name.AsString()
	}

	// url-list
	if urlList, ok := rootDict["url-list"]; ok {
		urlListData := urlList.AsList()
		for _, url := range urlListData {
			torrent.UrlList = append(torrent.UrlList, url.AsString())
		}
	}

	// comment
	if comment, ok := rootDict["comment"]; ok {
		torrent.Comment = comment.AsString()
	}

	// created by
	if createdBy, ok := rootDict["created by"]; ok {
		torrent.CreatedBy = createdBy.AsString()
	}

	// creation date
	if createdAt, ok := rootDict["creation date"]; ok {
		torrent.CreatedAt = createdAt.AsInt()
	}

	// files list
	if files, ok := infoDict["files"]; ok {
		filesData := files.AsList()
		for _, fileData := range filesData {
			fileDict := fileData.AsDict()
			file := NewFile(fileDict["length"].AsInt(), "")

			if filePath, ok := fileDict["path"]; ok {
				pathData := filePath.AsList()
				for i, path := range pathData {
					file.Path += path.AsString()
					if i < len(pathData)-1 {
						file.Path += "/"
					}
				}
			}

			torrent.FileList = append(torrent.FileList, file)
			torrent.Length += file.Length
		}
	} else {
		// single file mode
		torrent.Length = infoDict["length"].AsInt()
		file := NewFile(torrent.Length, torrent.Name)
		torrent.FileList = append(torrent.FileList, file)
	}

	// piece length
	if pieceLength, ok := infoDict["piece length"]; ok {
		torrent.PieceLength = pieceLength.AsInt()
	}

	// pieces: 20-byte SHA-1 hashes concatenated
	if pieces, ok := infoDict["pieces"]; ok {
		piecesData := pieces.AsBytes()
		for i := 0; i+20 <= len(piecesData); i += 20 {
			var h [20]byte
			copy(h[:], piecesData[i:i+20])
			torrent.PieceHashes = append(torrent.PieceHashes, h)
		}
	}

	// is private
	if isPrivate, ok := infoDict["private"]; ok {
		torrent.IsPrivate = isPrivate.AsInt() == 1
	}

	// info hash: SHA-1 of the bencoded info dict, preserving exact byte form
	infoData := rootDict["info"]
	torrent.InfoHash = sha1.Sum(infoData.ToBytes())

	// assign piece index ranges to files, in file order
	pieceIndex := 0
	for _, file := range torrent.FileList {
		if torrent.PieceLength == 0 {
			break
		}
		pieceCount := file.Length / torrent.PieceLength
		if file.Length%torrent.PieceLength != 0 {
			pieceCount++
		}
		file.FirstPieceIndex = pieceIndex
		file.LastPieceIndex = pieceIndex + int(pieceCount) - 1
		pieceIndex += int(pieceCount)
	}

	return torrent
}

// TorrentFromBytes parses a .torrent file's raw bytes into a Torrent.
func TorrentFromBytes(data []byte) (*Torrent, error) {
	bencodeData, _, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("error decoding torrent file: %w", err)
	}
	return TorrentFromBencodeData(bencodeData), nil
}

// VerifyTorrent checks that the files described in a torrent exist at
// contentPath and that every piece's SHA-1 matches the descriptor. It
// treats the files as one continuous byte stream in listed order, the
// same way piece boundaries are computed for a multi-file download.
func VerifyTorrent(filename string, contentPath string) error {
	content, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	torrent, err := TorrentFromBytes(content)
	if err != nil {
		return err
	}

	for _, file := range torrent.FileList {
		filePath := filepath.Join(contentPath, file.Path)
		if _, err := os.Stat(filePath); err != nil {
			return err
		}
	}

	layout, err := newFileLayout(torrent, contentPath, false)
	if err != nil {
		return err
	}
	defer layout.Close()

	piece := make([]byte, torrent.PieceLength)
	for index := range torrent.PieceHashes {
		length := torrent.PieceLen(index)
		buf := piece[:length]
		if err := layout.ReadAt(buf, int64(index)*torrent.PieceLength); err != nil {
			return fmt.Errorf("reading piece %d: %w", index, err)
		}
		if sha1.Sum(buf) != torrent.PieceHashes[index] {
			return fmt.Errorf("piece %d is corrupted", index)
		}
	}
	return nil
}
