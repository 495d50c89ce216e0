package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Document is the catalog row for an uploaded contract document.
type Document struct {
	ID          string
	UserID      string
	FileName    string
	ContentHash string
	State       string
	Metadata    map[string]interface{}
	CreatedAt   time.Time
}

// Artifact is one derived representation of a document. Full-text artifacts
// carry either inline content or a blob path to download.
type Artifact struct {
	ID         string
	DocumentID string
	Kind       string
	Content    string
	BlobPath   string
}

// DocumentRepository resolves documents and their full-text artifacts. The
// node layer walks document -> artifact -> blob and treats every failure as
// "no text", so implementations return errors freely.
type DocumentRepository interface {
	GetDocument(ctx context.Context, documentID, userID string) (*Document, error)
	GetFullTextArtifact(ctx context.Context, documentID string) (*Artifact, error)
	DownloadTextBlob(ctx context.Context, blobPath string) (string, error)
}

// DocumentStore is the Postgres-backed document repository. Blob downloads
// resolve against a local blob root; object storage slots in behind the
// same method.
type DocumentStore struct {
	pool     *pgxpool.Pool
	blobRoot string
}

var _ DocumentRepository = (*DocumentStore)(nil)

// NewDocumentStore creates a repository over the given pool and blob root.
func NewDocumentStore(pool *pgxpool.Pool, blobRoot string) *DocumentStore {
	return &DocumentStore{pool: pool, blobRoot: blobRoot}
}

// GetDocument loads a document row, scoped to its owning user when userID is
// non-empty.
func (s *DocumentStore) GetDocument(ctx context.Context, documentID, userID string) (*Document, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("database pool not configured")
	}
	query := `
		SELECT id, user_id, file_name, content_hash, australian_state, metadata, created_at
		FROM documents
		WHERE id = $1
	`
	args := []interface{}{documentID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}

	var doc Document
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&doc.ID, &doc.UserID, &doc.FileName, &doc.ContentHash, &doc.State, &metaJSON, &doc.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("document not found: %s", documentID)
		}
		return nil, fmt.Errorf("failed to query document %s: %w", documentID, err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt document metadata for %s: %w", documentID, err)
		}
	}
	return &doc, nil
}

// GetFullTextArtifact returns the newest full-text artifact for a document.
func (s *DocumentStore) GetFullTextArtifact(ctx context.Context, documentID string) (*Artifact, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("database pool not configured")
	}
	query := `
		SELECT id, document_id, kind, COALESCE(content, ''), COALESCE(blob_path, '')
		FROM document_artifacts
		WHERE document_id = $1 AND kind = 'full_text'
		ORDER BY created_at DESC
		LIMIT 1
	`
	var art Artifact
	err := s.pool.QueryRow(ctx, query, documentID).Scan(
		&art.ID, &art.DocumentID, &art.Kind, &art.Content, &art.BlobPath,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no full-text artifact for document %s", documentID)
		}
		return nil, fmt.Errorf("failed to query artifact for %s: %w", documentID, err)
	}
	return &art, nil
}

// DownloadTextBlob reads an artifact blob from the blob root.
func (s *DocumentStore) DownloadTextBlob(ctx context.Context, blobPath string) (string, error) {
	if blobPath == "" {
		return "", fmt.Errorf("blob path cannot be empty")
	}
	full := blobPath
	if s.blobRoot != "" && !filepath.IsAbs(blobPath) {
		full = filepath.Join(s.blobRoot, blobPath)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to download blob %s: %w", blobPath, err)
	}
	return string(data), nil
}
