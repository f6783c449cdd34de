package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// firstNormalOID is the first OID handed out to user objects.
const firstNormalOID uint32 = 16384

type indexMeta struct {
	OID      uint32 `json:"oid"`
	Name     string `json:"name"`
	KeyAttrs []int  `json:"key_attrs"`
}

type tableMeta struct {
	OID     uint32      `json:"oid"`
	Name    string      `json:"name"`
	Columns []Column    `json:"columns"`
	Indexes []indexMeta `json:"indexes"`
}

type catalogFile struct {
	NextOID uint32      `json:"next_oid"`
	Tables  []tableMeta `json:"tables"`
}

func catalogPath(dir string) string {
	return filepath.Join(dir, "catalog.json")
}

func saveCatalog(dir string, cat *catalogFile) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return err
	}
	tmp := catalogPath(dir) + ".tmp"
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
	return os.Rename(tmp, catalogPath(dir))
}

func loadCatalog(dir string) (*catalogFile, error) {
	data, err := os.ReadFile(catalogPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return &catalogFile{NextOID: firstNormalOID}, nil
		}
		return nil, err
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, err
	}
	if cat.NextOID < firstNormalOID {
		cat.NextOID = firstNormalOID
	}
	return &cat, nil
}

func (m *tableMeta) build() *Table {
	t := &Table{
		OID:     m.OID,
		Name:    m.Name,
		Columns: m.Columns,
	}
	for _, im := range m.Indexes {
		t.indexes = append(t.indexes, &Index{
			OID:      im.OID,
			Name:     im.Name,
			KeyAttrs: im.KeyAttrs,
			table:    t,
		})
	}
	return t
}

func metaOf(t *Table) tableMeta {
	m := tableMeta{OID: t.OID, Name: t.Name, Columns: t.Columns}
	for _, ix := range t.indexes {
		m.Indexes = append(m.Indexes, indexMeta{OID: ix.OID, Name: ix.Name, KeyAttrs: ix.KeyAttrs})
	}
	return m
}
