package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// walOp is the kind of a WAL record.
type walOp uint8

const (
	walOpInsert walOp = 1
	walOpCommit walOp = 2
)

// walRecord is a single logged operation. Inserts carry the encoded row.
type walRecord struct {
	Timestamp int64
	Op        walOp
	XID       uint64
	Table     uint32
	Row       []byte
}

const (
	walFieldTimestamp protowire.Number = 1
	walFieldOp        protowire.Number = 2
	walFieldXID       protowire.Number = 3
	walFieldTable     protowire.Number = 4
	walFieldRow       protowire.Number = 5
)

func (r *walRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, walFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timestamp))
	b = protowire.AppendTag(b, walFieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	b = protowire.AppendTag(b, walFieldXID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.XID)
	if r.Op == walOpInsert {
		b = protowire.AppendTag(b, walFieldTable, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Table))
		b = protowire.AppendTag(b, walFieldRow, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Row)
	}
	return b
}

func unmarshalWALRecord(data []byte) (walRecord, error) {
	var r walRecord
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case walFieldTimestamp:
				r.Timestamp = int64(v)
			case walFieldOp:
				r.Op = walOp(v)
			case walFieldXID:
				r.XID = v
			case walFieldTable:
				r.Table = uint32(v)
			}
		case typ == protowire.BytesType && num == walFieldRow:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			data = data[n:]
			r.Row = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return r, nil
}

// WAL is the write-ahead log. Records are framed as
// [CRC32 (4B)][Length (4B)][protobuf record].
type WAL struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
	seqNum   uint64
}

// NewWAL opens or creates the log at filePath and validates its header.
func NewWAL(filePath string) (*WAL, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		err = writeWALHeader(file)
	} else {
		err = readWALHeader(file)
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("WAL header %s: %w", filePath, err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		filePath: filePath,
		file:     file,
	}, nil
}

// Append writes records as one batch and optionally fsyncs.
func (w *WAL) Append(records []walRecord, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	now := time.Now().UnixNano()
	for i := range records {
		if records[i].Timestamp == 0 {
			records[i].Timestamp = now
		}
		data := records[i].marshal()
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], crc32.ChecksumIEEE(data))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(data)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, data...)
	}

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAL batch: %w", err)
	}
	w.seqNum += uint64(len(records))

	if sync {
		return w.file.Sync()
	}
	return nil
}

// Replay reads every intact record. A torn or corrupted tail ends the replay
// and is reported with the records read before it.
func (w *WAL) Replay() ([]walRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return nil, err
	}
	defer w.file.Seek(0, io.SeekEnd)

	reader := bufio.NewReader(w.file)
	var records []walRecord
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, ErrCorruptedWAL
		}
		checksum := binary.BigEndian.Uint32(hdr[0:4])
		data := make([]byte, binary.BigEndian.Uint32(hdr[4:8]))
		if _, err := io.ReadFull(reader, data); err != nil {
			return records, ErrCorruptedWAL
		}
		if crc32.ChecksumIEEE(data) != checksum {
			return records, ErrCorruptedWAL
		}
		rec, err := unmarshalWALRecord(data)
		if err != nil {
			return records, fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
		}
		records = append(records, rec)
	}
}

// Checkpoint clears the WAL after table images have been written.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeWALHeader(w.file); err != nil {
		return err
	}
	w.seqNum = 0
	return w.file.Sync()
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Size returns the current size of the WAL file.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// walHeader is used to identify and version the WAL file.
type walHeader struct {
	Magic   uint32 // Magic number to identify WAL files
	Version uint16 // WAL format version
}

const (
	walMagic      uint32 = 0x4B44574C // "KDWL"
	walVersion    uint16 = 1
	walHeaderSize        = 6
)

func writeWALHeader(file *os.File) error {
	header := walHeader{
		Magic:   walMagic,
		Version: walVersion,
	}
	return binary.Write(file, binary.BigEndian, header)
}

func readWALHeader(file *os.File) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var header walHeader
	if err := binary.Read(file, binary.BigEndian, &header); err != nil {
		return err
	}

	if header.Magic != walMagic {
		return errors.New("invalid WAL file magic number")
	}
	if header.Version > walVersion {
		return fmt.Errorf("unsupported WAL version: %d", header.Version)
	}
	return nil
}
