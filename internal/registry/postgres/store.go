// Package postgres provides the durable registry.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "github.com/lib/pq"

	"github.com/omnivault-network/coordinator/internal/registry"
)

// Store implements registry.Store backed by PostgreSQL. Payload headers and
// residue positions are stored as 32-byte big-endian values, content hashes
// as 32-byte keys.
type Store struct {
	db *sql.DB
}

var _ registry.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the registry tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registry_payloads (
			id BIGINT PRIMARY KEY,
			header BYTEA NOT NULL,
			body BYTEA NOT NULL,
			state SMALLINT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registry_attestations (
			content_hash BYTEA PRIMARY KEY,
			count BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registry_residues (
			payload_id BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			position BYTEA NOT NULL,
			PRIMARY KEY (payload_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendPayload implements registry.Store. Ids are dense and sequential from
// 1, so the next id is derived from the current maximum inside the insert
// transaction rather than from a sequence that could leave gaps.
func (s *Store) AppendPayload(ctx context.Context, header *uint256.Int, body []byte) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	h := header.Bytes32()

	var id uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO registry_payloads (id, header, body, state, received_at, updated_at)
		VALUES ((SELECT COALESCE(MAX(id), 0) + 1 FROM registry_payloads), $1, $2, $3, $4, $4)
		RETURNING id
	`, h[:], body, uint8(registry.StatePending), now).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// GetPayload implements registry.Store.
func (s *Store) GetPayload(ctx context.Context, id uint64) (registry.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, header, body, state, received_at, updated_at
		FROM registry_payloads
		WHERE id = $1
	`, id)

	var (
		rec       registry.Record
		headerRaw []byte
		state     uint8
	)
	if err := row.Scan(&rec.ID, &headerRaw, &rec.Body, &state, &rec.ReceivedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Record{}, registry.ErrInvalidPayloadID
		}
		return registry.Record{}, err
	}
	rec.Header = new(uint256.Int).SetBytes(headerRaw)
	rec.State = registry.State(state)
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// ReplaceBody implements registry.Store.
func (s *Store) ReplaceBody(ctx context.Context, id uint64, body []byte, state registry.State) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE registry_payloads
		SET body = $2, state = $3, updated_at = $4
		WHERE id = $1
	`, id, body, uint8(state), time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return registry.ErrInvalidPayloadID
	}
	return nil
}

// SetState implements registry.Store.
func (s *Store) SetState(ctx context.Context, id uint64, state registry.State) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE registry_payloads
		SET state = $2, updated_at = $3
		WHERE id = $1
	`, id, uint8(state), time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return registry.ErrInvalidPayloadID
	}
	return nil
}

// PayloadCount implements registry.Store.
func (s *Store) PayloadCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_payloads`).Scan(&count)
	return count, err
}

// RecordAttestation implements registry.Store.
func (s *Store) RecordAttestation(ctx context.Context, hash common.Hash) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO registry_attestations (content_hash, count)
		VALUES ($1, 1)
		ON CONFLICT (content_hash) DO UPDATE SET count = registry_attestations.count + 1
		RETURNING count
	`, hash[:]).Scan(&count)
	return count, err
}

// AttestationCount implements registry.Store.
func (s *Store) AttestationCount(ctx context.Context, hash common.Hash) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM registry_attestations WHERE content_hash = $1
	`, hash[:]).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// MoveAttestations implements registry.Store. The delete and the re-keyed
// insert commit together; a crash between them must not leave the count
// under both hashes.
func (s *Store) MoveAttestations(ctx context.Context, from, to common.Hash) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count uint64
	err = tx.QueryRowContext(ctx, `
		DELETE FROM registry_attestations WHERE content_hash = $1 RETURNING count
	`, from[:]).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry_attestations (content_hash, count)
		VALUES ($1, $2)
		ON CONFLICT (content_hash) DO UPDATE SET count = EXCLUDED.count
	`, to[:], count)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// PutResidue implements registry.Store.
func (s *Store) PutResidue(ctx context.Context, payloadID uint64, positions []*uint256.Int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next uint64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM registry_residues WHERE payload_id = $1
	`, payloadID).Scan(&next)
	if err != nil {
		return err
	}

	for i, p := range positions {
		b := p.Bytes32()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO registry_residues (payload_id, seq, position)
			VALUES ($1, $2, $3)
		`, payloadID, next+uint64(i), b[:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Residue implements registry.Store.
func (s *Store) Residue(ctx context.Context, payloadID uint64) ([]*uint256.Int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position FROM registry_residues
		WHERE payload_id = $1
		ORDER BY seq
	`, payloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*uint256.Int
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		result = append(result, new(uint256.Int).SetBytes(raw))
	}
	return result, rows.Err()
}

// TakeResidue implements registry.Store.
func (s *Store) TakeResidue(ctx context.Context, payloadID uint64) ([]*uint256.Int, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM registry_residues
		WHERE payload_id = $1
		RETURNING seq, position
	`, payloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type entry struct {
		seq uint64
		pos *uint256.Int
	}
	var entries []entry
	for rows.Next() {
		var (
			seq uint64
			raw []byte
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, err
		}
		entries = append(entries, entry{seq: seq, pos: new(uint256.Int).SetBytes(raw)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// DELETE ... RETURNING does not guarantee ordering.
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	var result []*uint256.Int
	for _, e := range entries {
		result = append(result, e.pos)
	}
	return result, nil
}
