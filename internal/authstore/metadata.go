package authstore

import (
	"database/sql"
	"errors"
)

// catalogHashPrefix namespaces catalog fingerprints by file path.
const catalogHashPrefix = "catalog_sha256:"

// SetMetadata stores value under key, replacing any previous value.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns "" for a missing key.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// CatalogHash returns the fingerprint recorded for a catalog path, or "".
func (s *Store) CatalogHash(path string) (string, error) {
	return s.GetMetadata(catalogHashPrefix + path)
}

// SetCatalogHash records the fingerprint of a catalog path.
func (s *Store) SetCatalogHash(path, hash string) error {
	return s.SetMetadata(catalogHashPrefix+path, hash)
}
