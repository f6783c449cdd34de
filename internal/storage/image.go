package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	imageMagic   = "KDIM"
	imageVersion = 1
)

// Table images hold every committed row of one table as a zstd frame of:
// [Magic (4B)][Version (2B)][TableOID (4B)] then per row [Len (uvarint)][protobuf row].

func encodeImage(oid uint32, rows []Row) []byte {
	buf := make([]byte, 0, 10+len(rows)*24)
	buf = append(buf, imageMagic...)
	buf = binary.BigEndian.AppendUint16(buf, imageVersion)
	buf = binary.BigEndian.AppendUint32(buf, oid)
	for _, row := range rows {
		buf = protowire.AppendBytes(buf, appendRow(nil, row))
	}
	return compressImage(buf)
}

func decodeImage(oid uint32, cols []Column, data []byte) ([]Row, error) {
	raw, err := decompressImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}
	if len(raw) < 10 || string(raw[:4]) != imageMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptedImage)
	}
	if v := binary.BigEndian.Uint16(raw[4:6]); v > imageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptedImage, v)
	}
	if got := binary.BigEndian.Uint32(raw[6:10]); got != oid {
		return nil, fmt.Errorf("%w: image belongs to table %d, not %d", ErrCorruptedImage, got, oid)
	}

	raw = raw[10:]
	var rows []Row
	for len(raw) > 0 {
		rec, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return rows, fmt.Errorf("%w: %v", ErrCorruptedImage, protowire.ParseError(n))
		}
		raw = raw[n:]
		row, err := decodeRow(cols, rec)
		if err != nil {
			return rows, fmt.Errorf("%w: %v", ErrCorruptedImage, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func imagePath(dir string, oid uint32) string {
	return filepath.Join(dir, "tables", fmt.Sprintf("%d.img", oid))
}

// writeImage atomically replaces the table image: write a temp file, fsync,
// rename over the old image.
func writeImage(dir string, t *Table, include *txState) error {
	path := imagePath(dir, t.OID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data := encodeImage(t.OID, t.committedRows(include))

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readImage(dir string, t *Table) ([]Row, error) {
	data, err := os.ReadFile(imagePath(dir, t.OID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeImage(t.OID, t.Columns, data)
}
