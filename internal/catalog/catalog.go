// Package catalog implements the playbook catalog (spec §4.1 input model,
// §6 "resolve catalog_id" step): a PostgreSQL-backed registry of playbook
// YAML sources keyed by path, following the same pgxpool
// dependency-injection pattern as internal/eventlog.
package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
)

// Store persists and resolves playbook sources.
type Store struct {
	pool *pgxpool.Pool
	gen  *id.Generator
}

// New constructs a Store over an existing pool.
func New(pool *pgxpool.Pool, gen *id.Generator) *Store {
	return &Store{pool: pool, gen: gen}
}

// EnsureSchema creates the catalog table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS noetl_catalog (
	catalog_id BIGINT NOT NULL PRIMARY KEY,
	path       TEXT NOT NULL,
	version    TEXT NOT NULL DEFAULT 'latest',
	source     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (path, version)
);
`)
	return err
}

// Register parses and stores a playbook's YAML source under path/version,
// returning the minted catalog_id. Registering the same path/version again
// overwrites that row's source and catalog_id; the catalog_id minted by the
// earlier registration no longer resolves.
func (s *Store) Register(ctx context.Context, path, version, source string) (id.ID, error) {
	pb, err := Parse(source)
	if err != nil {
		return 0, err
	}
	if pb.Metadata.Path == "" {
		pb.Metadata.Path = path
	}
	catalogID := s.gen.Next()
	if version == "" {
		version = "latest"
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO noetl_catalog (catalog_id, path, version, source)
VALUES ($1, $2, $3, $4)
ON CONFLICT (path, version) DO UPDATE SET source = EXCLUDED.source, catalog_id = EXCLUDED.catalog_id
`, int64(catalogID), path, version, source)
	if err != nil {
		return 0, fmt.Errorf("catalog: register %s: %w", path, err)
	}
	return catalogID, nil
}

// Resolve loads a playbook by path, resolving "latest" to the newest
// registered version.
func (s *Store) Resolve(ctx context.Context, path, version string) (*model.Playbook, id.ID, error) {
	if version == "" {
		version = "latest"
	}
	var catalogID int64
	var source string
	err := s.pool.QueryRow(ctx, `
SELECT catalog_id, source FROM noetl_catalog
WHERE path = $1 AND ($2 = 'latest' OR version = $2)
ORDER BY created_at DESC LIMIT 1
`, path, version).Scan(&catalogID, &source)
	if err == pgx.ErrNoRows {
		return nil, 0, fmt.Errorf("catalog: no playbook registered at %s (version %s)", path, version)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: resolve %s: %w", path, err)
	}
	pb, err := Parse(source)
	if err != nil {
		return nil, 0, err
	}
	return pb, id.ID(catalogID), nil
}

// ResolveByID loads a playbook by its minted catalog_id, used when
// re-resolving a sub-execution's parent playbook reference.
func (s *Store) ResolveByID(ctx context.Context, catalogID id.ID) (*model.Playbook, error) {
	var source string
	err := s.pool.QueryRow(ctx, `SELECT source FROM noetl_catalog WHERE catalog_id = $1`, int64(catalogID)).Scan(&source)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("catalog: unknown catalog_id %s", catalogID)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve by id %s: %w", catalogID, err)
	}
	return Parse(source)
}

// ResolveByCatalogID and ResolveByPath together satisfy the state
// reconstructor's PlaybookResolver boundary (spec §4.5 step 2).
func (s *Store) ResolveByCatalogID(ctx context.Context, catalogID id.ID) (*model.Playbook, error) {
	return s.ResolveByID(ctx, catalogID)
}

func (s *Store) ResolveByPath(ctx context.Context, path string) (*model.Playbook, error) {
	pb, _, err := s.Resolve(ctx, path, "")
	return pb, err
}

// Parse decodes a playbook's YAML source into the in-memory model (spec §1:
// "YAML decoding of playbook source is a collaborator concern").
func Parse(source string) (*model.Playbook, error) {
	var pb model.Playbook
	if err := yaml.Unmarshal([]byte(source), &pb); err != nil {
		return nil, fmt.Errorf("catalog: parse playbook: %w", err)
	}
	return &pb, nil
}
