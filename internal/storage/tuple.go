package storage

import (
	"encoding/binary"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ColumnType is the storage type of a column.
type ColumnType uint8

const (
	TypeInt32 ColumnType = iota + 1
	TypeOid
	TypeText
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt32:
		return "int4"
	case TypeOid:
		return "oid"
	case TypeText:
		return "text"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Column describes one attribute of a table. Attribute numbers are the
// 1-based positions in TableDef.Columns.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Datum is a single typed column value.
type Datum struct {
	typ ColumnType
	i   int64
	s   string
}

func Int32Datum(v int32) Datum   { return Datum{typ: TypeInt32, i: int64(v)} }
func OidDatum(v uint32) Datum    { return Datum{typ: TypeOid, i: int64(v)} }
func TextDatum(v string) Datum   { return Datum{typ: TypeText, s: v} }
func (d Datum) Type() ColumnType { return d.typ }
func (d Datum) Int32() int32     { return int32(d.i) }
func (d Datum) Oid() uint32      { return uint32(d.i) }
func (d Datum) Text() string     { return d.s }

func (d Datum) String() string {
	if d.typ == TypeText {
		return fmt.Sprintf("%q", d.s)
	}
	return fmt.Sprintf("%d", d.i)
}

// Row is a tuple of datums in column order.
type Row []Datum

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, d := range r {
		parts[i] = d.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

func checkRow(cols []Column, row Row) error {
	if len(row) != len(cols) {
		return fmt.Errorf("%w: row has %d values, table has %d columns", ErrTypeMismatch, len(row), len(cols))
	}
	for i, d := range row {
		if d.typ != cols[i].Type {
			return fmt.Errorf("%w: column %q is %s, got %s", ErrTypeMismatch, cols[i].Name, cols[i].Type, d.typ)
		}
	}
	return nil
}

// appendRow encodes row as a protobuf message where field number N carries
// attribute N.
func appendRow(b []byte, row Row) []byte {
	for i, d := range row {
		num := protowire.Number(i + 1)
		switch d.typ {
		case TypeInt32:
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.i))
		case TypeOid:
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(uint32(d.i)))
		case TypeText:
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, d.s)
		}
	}
	return b
}

// decodeRow is the inverse of appendRow for the given column layout.
func decodeRow(cols []Column, data []byte) (Row, error) {
	row := make(Row, len(cols))
	seen := make([]bool, len(cols))
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		idx := int(num) - 1
		if idx < 0 || idx >= len(cols) {
			return nil, fmt.Errorf("%w: unexpected field %d", ErrTypeMismatch, num)
		}
		col := cols[idx]
		switch wtyp {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch col.Type {
			case TypeInt32:
				row[idx] = Int32Datum(int32(protowire.DecodeZigZag(v)))
			case TypeOid:
				row[idx] = OidDatum(uint32(v))
			default:
				return nil, fmt.Errorf("%w: varint for %s column %q", ErrTypeMismatch, col.Type, col.Name)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			if col.Type != TypeText {
				return nil, fmt.Errorf("%w: bytes for %s column %q", ErrTypeMismatch, col.Type, col.Name)
			}
			row[idx] = TextDatum(v)
		default:
			return nil, fmt.Errorf("%w: wire type %d", ErrTypeMismatch, wtyp)
		}
		seen[idx] = true
	}
	for i, ok := range seen {
		if !ok {
			// proto3 style: absent scalar fields are zero values
			switch cols[i].Type {
			case TypeInt32:
				row[i] = Int32Datum(0)
			case TypeOid:
				row[i] = OidDatum(0)
			case TypeText:
				row[i] = TextDatum("")
			}
		}
	}
	return row, nil
}

// appendKey appends the order-preserving encoding of d. Encoded keys compare
// bytewise in the same order as the values, and the encoding of a prefix of
// datums is a byte prefix of the full key.
func appendKey(b []byte, d Datum) []byte {
	switch d.typ {
	case TypeInt32:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(int32(d.i))^0x80000000)
		return append(b, buf[:]...)
	case TypeOid:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(d.i))
		return append(b, buf[:]...)
	case TypeText:
		for i := 0; i < len(d.s); i++ {
			c := d.s[i]
			if c == 0x00 {
				b = append(b, 0x00, 0xFF)
				continue
			}
			b = append(b, c)
		}
		return append(b, 0x00, 0x01)
	}
	return b
}
