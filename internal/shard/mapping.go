package shard

import (
	"context"
	"fmt"
)

// SQLMappingStore persists id hash→plaintext mappings in a shard's
// _id_mappings table so that processes which never minted an id can still
// decode it.
type SQLMappingStore struct {
	conn Conn
}

// NewSQLMappingStore creates a mapping store on conn.
func NewSQLMappingStore(conn Conn) *SQLMappingStore {
	return &SQLMappingStore{conn: conn}
}

// SaveMapping records plaintext for (kind, hash). Existing rows are kept.
func (m *SQLMappingStore) SaveMapping(ctx context.Context, kind, hash, plaintext string) error {
	_, err := m.conn.Prepare(`
		INSERT INTO _id_mappings (kind, hash, plaintext)
		VALUES (?, ?, ?)
		ON CONFLICT(kind, hash) DO NOTHING
	`).Bind(kind, hash, plaintext).Run(ctx)
	if err != nil {
		return fmt.Errorf("save id mapping: %w", err)
	}
	return nil
}

// LookupMapping returns the plaintext for (kind, hash).
func (m *SQLMappingStore) LookupMapping(ctx context.Context, kind, hash string) (string, bool, error) {
	row, err := m.conn.Prepare(`
		SELECT plaintext FROM _id_mappings WHERE kind = ? AND hash = ?
	`).Bind(kind, hash).First(ctx)
	if err != nil {
		return "", false, fmt.Errorf("lookup id mapping: %w", err)
	}
	if row == nil {
		return "", false, nil
	}
	return row.String("plaintext"), true, nil
}
