package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContractRecord is the content-hash-keyed cache row for one analyzed
// contract. Attributes holds each analysis node's output under the node's
// target attribute name; Metadata carries cross-attribute values such as
// overall_confidence.
type ContractRecord struct {
	ContentHash string                     `json:"content_hash"`
	Attributes  map[string]json.RawMessage `json:"attributes"`
	Metadata    map[string]interface{}     `json:"metadata"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Attribute returns the named attribute's raw value, nil when absent or
// empty.
func (r *ContractRecord) Attribute(name string) json.RawMessage {
	if r == nil {
		return nil
	}
	v, ok := r.Attributes[name]
	if !ok || len(v) == 0 || string(v) == "null" || string(v) == `""` || string(v) == "{}" {
		return nil
	}
	return v
}

// ContractsRepository is the idempotency-cache boundary the analysis nodes
// depend on.
type ContractsRepository interface {
	GetByContentHash(ctx context.Context, hash string) (*ContractRecord, error)
	UpsertAttribute(ctx context.Context, hash string, attribute string, value interface{}, metadata map[string]interface{}) error
}

// ContractCache is a hybrid store: Postgres when a pool is configured, a
// local file cache otherwise. The file fallback keeps single-machine runs
// working without a database.
type ContractCache struct {
	pool    *pgxpool.Pool
	fileDir string
}

var _ ContractsRepository = (*ContractCache)(nil)

// NewContractCache creates a cache instance. A nil pool with an empty dir
// defaults to .cache/contract_analyses.
func NewContractCache(pool *pgxpool.Pool, dir string) *ContractCache {
	if pool == nil && dir == "" {
		dir = filepath.Join(".cache", "contract_analyses")
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Printf("[WARNING] contract cache dir: %v\n", err)
		}
	}
	return &ContractCache{pool: pool, fileDir: dir}
}

// GetByContentHash loads the cached record for a content hash. A miss
// returns (nil, nil); only genuine storage failures return an error.
func (c *ContractCache) GetByContentHash(ctx context.Context, hash string) (*ContractRecord, error) {
	if hash == "" {
		return nil, nil
	}
	if c.pool != nil {
		query := `
			SELECT attributes, metadata, updated_at
			FROM contract_analyses
			WHERE content_hash = $1
			LIMIT 1
		`
		var attrJSON, metaJSON []byte
		var updatedAt time.Time
		err := c.pool.QueryRow(ctx, query, hash).Scan(&attrJSON, &metaJSON, &updatedAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to query contract cache: %w", err)
		}
		rec := &ContractRecord{ContentHash: hash, UpdatedAt: updatedAt}
		if err := json.Unmarshal(attrJSON, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cached attributes: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cached metadata: %w", err)
			}
		}
		return rec, nil
	}

	if c.fileDir != "" {
		return c.loadFromFile(c.hashPath(hash))
	}
	return nil, nil
}

// UpsertAttribute merges one attribute (plus metadata) into the record for a
// content hash, creating the record when absent.
func (c *ContractCache) UpsertAttribute(ctx context.Context, hash string, attribute string, value interface{}, metadata map[string]interface{}) error {
	if hash == "" {
		return fmt.Errorf("content hash cannot be empty")
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal attribute %s: %w", attribute, err)
	}

	if c.pool != nil {
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		query := `
			INSERT INTO contract_analyses (content_hash, attributes, metadata, updated_at)
			VALUES ($1, jsonb_build_object($2::text, $3::jsonb), $4, NOW())
			ON CONFLICT (content_hash)
			DO UPDATE SET
				attributes = contract_analyses.attributes || jsonb_build_object($2::text, $3::jsonb),
				metadata = contract_analyses.metadata || EXCLUDED.metadata,
				updated_at = NOW()
		`
		if _, err := c.pool.Exec(ctx, query, hash, attribute, valueJSON, metaJSON); err != nil {
			return fmt.Errorf("failed to upsert contract cache: %w", err)
		}
		return nil
	}

	if c.fileDir == "" {
		return nil
	}
	rec, _ := c.loadFromFile(c.hashPath(hash))
	if rec == nil {
		rec = &ContractRecord{ContentHash: hash}
	}
	if rec.Attributes == nil {
		rec.Attributes = map[string]json.RawMessage{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]interface{}{}
	}
	rec.Attributes[attribute] = valueJSON
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	rec.UpdatedAt = time.Now()

	fileBytes, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}
	if err := os.WriteFile(c.hashPath(hash), fileBytes, 0644); err != nil {
		return fmt.Errorf("failed to save file cache: %w", err)
	}
	return nil
}

// Exists checks whether any record exists for a content hash.
func (c *ContractCache) Exists(ctx context.Context, hash string) bool {
	if c.pool != nil {
		query := `SELECT 1 FROM contract_analyses WHERE content_hash = $1 LIMIT 1`
		var exists int
		if err := c.pool.QueryRow(ctx, query, hash).Scan(&exists); err == nil {
			return true
		}
	}
	if c.fileDir != "" {
		if _, err := os.Stat(c.hashPath(hash)); err == nil {
			return true
		}
	}
	return false
}

func (c *ContractCache) hashPath(hash string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, hash)
	return filepath.Join(c.fileDir, safe+".json")
}

func (c *ContractCache) loadFromFile(path string) (*ContractRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil // not found
	}
	var rec ContractRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt cache file %s: %w", path, err)
	}
	return &rec, nil
}
