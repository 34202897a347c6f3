package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Frame   uint32 `json:"frame"`
	Seed    uint64 `json:"seed"`
}

// SnapshotV1 is the complete world state. Slices are kept in id order so two
// equal worlds encode to equal bytes.
type SnapshotV1 struct {
	Header Header `json:"header"`

	MapSizeLog   uint8  `json:"map_size_log"`
	DayTicks     uint16 `json:"day_ticks"`
	MaxCompanies uint8  `json:"max_companies"`

	Date      uint32    `json:"date"`
	DateFract uint16    `json:"date_fract"`
	Random    [2]uint32 `json:"random"`
	PauseMode uint8     `json:"pause_mode"`

	StartMoney int64 `json:"start_money"`
	MaxLoan    int64 `json:"max_loan"`
	LoanStep   int64 `json:"loan_step"`
	// InterestPermille is the yearly loan interest in 1/1000.
	InterestPermille int64 `json:"interest_permille"`

	Tiles     []TileV1    `json:"tiles"`
	Companies []CompanyV1 `json:"companies"`
	Signs     []SignV1    `json:"signs,omitempty"`
	NextSign  uint32      `json:"next_sign"`
}

type TileV1 struct {
	Type  uint8 `json:"type"`
	Owner uint8 `json:"owner"`
	Track uint8 `json:"track,omitempty"`
	Trees uint8 `json:"trees,omitempty"`
}

type CompanyV1 struct {
	ID      uint8  `json:"id"`
	Name    string `json:"name"`
	Money   int64  `json:"money"`
	Loan    int64  `json:"loan"`
	Founded uint32 `json:"founded"`
	Client  uint32 `json:"client"`
}

type SignV1 struct {
	ID    uint32 `json:"id"`
	Tile  uint32 `json:"tile"`
	Owner uint8  `json:"owner"`
	Text  string `json:"text"`
}

// Write encodes snap as a zstd stream holding a JSON header line followed by
// the gob-encoded body.
func Write(w io.Writer, snap SnapshotV1) error {
	snap.Header.Version = Version
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func Read(r io.Reader) (SnapshotV1, error) {
	var snap SnapshotV1
	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// Marshal is Write into memory; the result is the blob sent to joining peers.
func Marshal(snap SnapshotV1) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte) (SnapshotV1, error) {
	return Read(bytes.NewReader(b))
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Write(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotV1{}, err
	}
	defer f.Close()
	return Read(f)
}

// ReadHeader decodes only the header line of a snapshot file.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	err = json.Unmarshal(line, &h)
	return h, err
}
