// Package store persists point-in-time snapshots of ledger and token
// state to SQLite so a restarted daemon can resume with warm trust
// scores and outstanding revocations instead of an empty ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/token"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"

	_ "modernc.org/sqlite"
)

// SnapshotStore is safe for concurrent use; database/sql serializes
// access to the underlying SQLite connection.
type SnapshotStore struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path and runs
// migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	s := &SnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS trust_nodes (
		agent_id TEXT PRIMARY KEY,
		snapshot JSON NOT NULL,
		connections JSON NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS capability_tokens (
		token_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		snapshot JSON NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS revoked_tokens (
		token_id TEXT PRIMARY KEY,
		revoked_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate snapshot db: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Close() error { return s.db.Close() }

// SaveTrustNode upserts a single node snapshot. NetworkConnections are
// stored in a side column because the node serializer omits them.
func (s *SnapshotStore) SaveTrustNode(ctx context.Context, node *trust.TrustNode) error {
	blob, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal trust node %s: %w", node.AgentID, err)
	}
	conns := make([]string, 0, len(node.NetworkConnections))
	for id := range node.NetworkConnections {
		conns = append(conns, id)
	}
	sort.Strings(conns)
	connBlob, err := json.Marshal(conns)
	if err != nil {
		return fmt.Errorf("marshal connections for %s: %w", node.AgentID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_nodes (agent_id, snapshot, connections, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			connections = excluded.connections,
			updated_at = excluded.updated_at`,
		node.AgentID, string(blob), string(connBlob), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save trust node %s: %w", node.AgentID, err)
	}
	return nil
}

// LoadTrustNodes returns every persisted node, connections restored.
func (s *SnapshotStore) LoadTrustNodes(ctx context.Context) ([]*trust.TrustNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot, connections FROM trust_nodes`)
	if err != nil {
		return nil, fmt.Errorf("load trust nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*trust.TrustNode
	for rows.Next() {
		var blob, connBlob string
		if err := rows.Scan(&blob, &connBlob); err != nil {
			return nil, fmt.Errorf("scan trust node: %w", err)
		}
		var node trust.TrustNode
		if err := json.Unmarshal([]byte(blob), &node); err != nil {
			return nil, fmt.Errorf("unmarshal trust node: %w", err)
		}
		var conns []string
		if err := json.Unmarshal([]byte(connBlob), &conns); err != nil {
			return nil, fmt.Errorf("unmarshal connections: %w", err)
		}
		node.NetworkConnections = make(map[string]struct{}, len(conns))
		for _, id := range conns {
			node.NetworkConnections[id] = struct{}{}
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// SaveToken upserts a token snapshot. The semantic key is never part of
// the snapshot; it is derivable only through the token service.
func (s *SnapshotStore) SaveToken(ctx context.Context, tok *token.CapabilityToken) error {
	blob, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token %s: %w", tok.TokenID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capability_tokens (token_id, agent_id, snapshot, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			expires_at = excluded.expires_at`,
		tok.TokenID, tok.AgentID, string(blob), tok.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save token %s: %w", tok.TokenID, err)
	}
	return nil
}

// DeleteToken removes a token snapshot, typically after a sweep.
func (s *SnapshotStore) DeleteToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM capability_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("delete token %s: %w", tokenID, err)
	}
	return nil
}

// LoadTokens returns persisted tokens that expire after the cutoff.
// Pass a zero time to load everything.
func (s *SnapshotStore) LoadTokens(ctx context.Context, notExpiredBefore time.Time) ([]*token.CapabilityToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM capability_tokens WHERE expires_at > ?`, notExpiredBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var toks []*token.CapabilityToken
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		var tok token.CapabilityToken
		if err := json.Unmarshal([]byte(blob), &tok); err != nil {
			return nil, fmt.Errorf("unmarshal token: %w", err)
		}
		toks = append(toks, &tok)
	}
	return toks, rows.Err()
}

// SaveRevocation records a revoked token id. Revocations outlive the
// token rows so a revoked id stays blocked across restarts.
func (s *SnapshotStore) SaveRevocation(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (token_id, revoked_at) VALUES (?, ?)
		ON CONFLICT(token_id) DO NOTHING`,
		tokenID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save revocation %s: %w", tokenID, err)
	}
	return nil
}

// LoadRevocations returns all revoked token ids.
func (s *SnapshotStore) LoadRevocations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token_id FROM revoked_tokens`)
	if err != nil {
		return nil, fmt.Errorf("load revocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan revocation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
