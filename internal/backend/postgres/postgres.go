// Package postgres implements the backend channels over a remote Postgres
// document store (JSONB rows) reached through database/sql with the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kitchen-cloud-sync/engine/internal/backend"
	"kitchen-cloud-sync/engine/internal/db"
	"kitchen-cloud-sync/engine/internal/security"
)

// NewFactory returns a backend.Factory that opens fresh connections from the
// given DSNs. The data and auth channels share one pool; the admin channel
// gets its own privileged pool (the two DSNs may be identical).
func NewFactory(dataDSN, adminDSN string, hasher *security.Hasher) backend.Factory {
	return func(ctx context.Context) (*backend.Channels, error) {
		if dataDSN == "" {
			return nil, errors.New("postgres: data DSN is empty")
		}
		dataDB, err := db.Open(dataDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: open data pool: %w", err)
		}
		adminDB := dataDB
		if adminDSN != "" && adminDSN != dataDSN {
			adminDB, err = db.Open(adminDSN)
			if err != nil {
				_ = dataDB.Close()
				return nil, fmt.Errorf("postgres: open admin pool: %w", err)
			}
		}
		closeFn := func() error {
			errData := dataDB.Close()
			if adminDB != dataDB {
				if errAdmin := adminDB.Close(); errAdmin != nil {
					return errAdmin
				}
			}
			return errData
		}
		return backend.NewChannels(
			&AdminChannel{db: adminDB},
			&DataChannel{db: dataDB},
			&AuthChannel{db: dataDB, hasher: hasher},
			closeFn,
		), nil
	}
}

// AdminChannel resolves privileged settings from the remote store.
type AdminChannel struct {
	db *sql.DB
}

// Ready reports whether the channel has a live handle.
func (c *AdminChannel) Ready() bool { return c != nil && c.db != nil }

// ProjectID returns the backend project identifier from the settings table.
func (c *AdminChannel) ProjectID(ctx context.Context) (string, error) {
	if !c.Ready() {
		return "", backend.ErrNotInitialized
	}
	var id string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'project_id'`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("postgres: project_id is not configured")
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// AuthChannel verifies credentials against the users table with bcrypt.
type AuthChannel struct {
	db     *sql.DB
	hasher *security.Hasher
}

// Ready reports whether the channel has a live handle.
func (c *AuthChannel) Ready() bool { return c != nil && c.db != nil }

// VerifyCredentials checks the email/password pair. Returns
// backend.ErrInvalidCredentials when the pair does not match a user.
func (c *AuthChannel) VerifyCredentials(ctx context.Context, email, password string) (*backend.UserInfo, error) {
	if !c.Ready() {
		return nil, backend.ErrNotInitialized
	}
	var (
		info         backend.UserInfo
		passwordHash string
		permsJSON    []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, password_hash, permissions FROM users WHERE email = $1`,
		email,
	).Scan(&info.ID, &info.Email, &info.DisplayName, &passwordHash, &permsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := c.hasher.Compare(passwordHash, []byte(password)); err != nil {
		return nil, backend.ErrInvalidCredentials
	}
	if len(permsJSON) > 0 {
		if err := json.Unmarshal(permsJSON, &info.Permissions); err != nil {
			return nil, fmt.Errorf("postgres: decode permissions: %w", err)
		}
	}
	return &info, nil
}

// DataChannel reads and writes JSONB document collections.
type DataChannel struct {
	db *sql.DB
}

// Ready reports whether the channel has a live handle.
func (c *DataChannel) Ready() bool { return c != nil && c.db != nil }

// AppendBatch writes docs after the collection's existing documents, in the
// supplied order, in one transaction. An advisory lock serializes concurrent
// appends to the same owner/collection so positions stay contiguous.
func (c *DataChannel) AppendBatch(ctx context.Context, ownerID, collection string, docs []backend.Record) error {
	if !c.Ready() {
		return backend.ErrNotInitialized
	}
	if len(docs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, ownerID, collection,
	); err != nil {
		return err
	}
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM documents WHERE owner_id = $1 AND collection = $2`,
		ownerID, collection,
	).Scan(&next); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO documents (owner_id, collection, position, doc) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("postgres: encode document: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ownerID, collection, next+int64(i), payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadAll returns every document in the collection in insertion order.
func (c *DataChannel) ReadAll(ctx context.Context, ownerID, collection string) ([]backend.Record, error) {
	if !c.Ready() {
		return nil, backend.ErrNotInitialized
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT doc FROM documents WHERE owner_id = $1 AND collection = $2 ORDER BY position`,
		ownerID, collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var doc backend.Record
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("postgres: decode document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// ListCollections returns the owner's collection names in lexical order.
func (c *DataChannel) ListCollections(ctx context.Context, ownerID string) ([]string, error) {
	if !c.Ready() {
		return nil, backend.ErrNotInitialized
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT collection FROM documents WHERE owner_id = $1 ORDER BY collection`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Count returns the number of documents in the collection.
func (c *DataChannel) Count(ctx context.Context, ownerID, collection string) (int64, error) {
	if !c.Ready() {
		return 0, backend.ErrNotInitialized
	}
	var n int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE owner_id = $1 AND collection = $2`,
		ownerID, collection,
	).Scan(&n)
	return n, err
}

// Ping performs a minimal side-effect-free read against the documents table,
// so permission problems surface the same way real reads would.
func (c *DataChannel) Ping(ctx context.Context) error {
	if !c.Ready() {
		return backend.ErrNotInitialized
	}
	var id int64
	err := c.db.QueryRowContext(ctx, `SELECT id FROM documents LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}
