package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"lookup/internal/directory/models"
	"lookup/pkg/platform/sentinel"
	txcontext "lookup/pkg/platform/tx"
)

// PostgresStore persists the directory in PostgreSQL. Methods join the
// transaction carried in the context when one is present.
type PostgresStore struct {
	db *sql.DB
	tx *txcontext.SQLRunner
}

// NewPostgres constructs a PostgreSQL-backed directory store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
		// READ COMMITTED plus row locks on identities is enough: every claim
		// locks its identity row before reading attributes.
		tx: txcontext.NewSQLRunner(db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}),
	}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn in a database transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.tx.RunInTx(ctx, fn)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// -----------------------------------------------------------------------------
// Identities
// -----------------------------------------------------------------------------

const identityColumns = `id, federation_id, last_modified`

func scanIdentity(row rowScanner) (*models.Identity, error) {
	var identity models.Identity
	var fid string
	if err := row.Scan(&identity.ID, &fid, &identity.LastModified); err != nil {
		return nil, err
	}
	identity.FederationID = models.FederationID(fid)
	return &identity, nil
}

// FindIdentity loads an identity by federation id. Inside a transaction the
// row is locked until commit.
func (s *PostgresStore) FindIdentity(ctx context.Context, fid models.FederationID) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE federation_id = $1`
	if _, ok := txcontext.From(ctx); ok {
		query += ` FOR UPDATE`
	}
	identity, err := scanIdentity(s.execer(ctx).QueryRowContext(ctx, query, string(fid)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find identity: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id int64) (*models.Identity, error) {
	identity, err := scanIdentity(s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

// CreateIdentity inserts a new identity. A concurrent insert of the same
// federation id yields sentinel.ErrConflict.
func (s *PostgresStore) CreateIdentity(ctx context.Context, fid models.FederationID, lastModified int64) (*models.Identity, error) {
	var id int64
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO identities (federation_id, last_modified)
		VALUES ($1, $2)
		ON CONFLICT (federation_id) DO NOTHING
		RETURNING id
	`, string(fid), lastModified).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("create identity %s: %w", fid, sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return &models.Identity{ID: id, FederationID: fid, LastModified: lastModified}, nil
}

// AdvanceLastModified moves last_modified forward to timestamp in a single
// conditional update. It reports false when the stored value is not older.
func (s *PostgresStore) AdvanceLastModified(ctx context.Context, id int64, timestamp int64) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE identities SET last_modified = $2
		WHERE id = $1 AND last_modified < $2
	`, id, timestamp)
	if err != nil {
		return false, fmt.Errorf("advance last modified: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance last modified rows: %w", err)
	}
	return rows == 1, nil
}

func (s *PostgresStore) DeleteIdentity(ctx context.Context, id int64) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return requireAffected(res, "delete identity")
}

func (s *PostgresStore) ListFederationIDs(ctx context.Context) ([]models.FederationID, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT federation_id FROM identities ORDER BY federation_id`)
	if err != nil {
		return nil, fmt.Errorf("list federation ids: %w", err)
	}
	defer rows.Close()

	var out []models.FederationID
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, fmt.Errorf("scan federation id: %w", err)
		}
		out = append(out, models.FederationID(fid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate federation ids: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListIdentitiesOnHost(ctx context.Context, host string) ([]models.Identity, error) {
	return s.queryIdentities(ctx, "list identities on host", `
		SELECT `+identityColumns+` FROM identities
		WHERE right(federation_id, $2) = $1
		ORDER BY id
	`, "@"+host, len("@"+host))
}

func (s *PostgresStore) ListModifiedSince(ctx context.Context, since int64, offset, limit int) ([]models.Identity, error) {
	return s.queryIdentities(ctx, "list modified identities", `
		SELECT `+identityColumns+` FROM identities
		WHERE last_modified >= $1
		ORDER BY last_modified, id
		LIMIT $2 OFFSET $3
	`, since, limit, offset)
}

func (s *PostgresStore) queryIdentities(ctx context.Context, op, query string, args ...any) ([]models.Identity, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Attributes
// -----------------------------------------------------------------------------

const attributeColumns = `id, identity_id, key, value, verified`

func scanAttribute(row rowScanner) (*models.Attribute, error) {
	var a models.Attribute
	var key string
	if err := row.Scan(&a.ID, &a.IdentityID, &key, &a.Value, &a.Verified); err != nil {
		return nil, err
	}
	a.Key = models.AttributeKey(key)
	return &a, nil
}

func (s *PostgresStore) ListAttributes(ctx context.Context, identityID int64) ([]models.Attribute, error) {
	byIdentity, err := s.ListAttributesFor(ctx, []int64{identityID})
	if err != nil {
		return nil, err
	}
	return byIdentity[identityID], nil
}

// ListAttributesFor loads the attributes of several identities in one query.
func (s *PostgresStore) ListAttributesFor(ctx context.Context, identityIDs []int64) (map[int64][]models.Attribute, error) {
	out := make(map[int64][]models.Attribute, len(identityIDs))
	if len(identityIDs) == 0 {
		return out, nil
	}
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+attributeColumns+` FROM attributes
		WHERE identity_id = ANY($1)
		ORDER BY identity_id, id
	`, pq.Array(identityIDs))
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttribute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		out[a.IdentityID] = append(out[a.IdentityID], *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetAttribute(ctx context.Context, id int64) (*models.Attribute, error) {
	a, err := scanAttribute(s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+attributeColumns+` FROM attributes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get attribute: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) InsertAttribute(ctx context.Context, a *models.Attribute) error {
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO attributes (identity_id, key, value, verified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id, key) DO NOTHING
		RETURNING id
	`, a.IdentityID, string(a.Key), a.Value, a.Verified).Scan(&a.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("insert attribute %s: %w", a.Key, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert attribute: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAttributeValue(ctx context.Context, id int64, value string) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE attributes SET value = $2, verified = FALSE WHERE id = $1`, id, value)
	if err != nil {
		return fmt.Errorf("update attribute: %w", err)
	}
	return requireAffected(res, "update attribute")
}

func (s *PostgresStore) SetAttributeVerified(ctx context.Context, id int64, verified bool) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE attributes SET verified = $2 WHERE id = $1`, id, verified)
	if err != nil {
		return fmt.Errorf("set attribute verified: %w", err)
	}
	return requireAffected(res, "set attribute verified")
}

// DeleteAttribute removes an attribute; pending checks and email tokens
// referencing it cascade.
func (s *PostgresStore) DeleteAttribute(ctx context.Context, id int64) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM attributes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete attribute: %w", err)
	}
	return requireAffected(res, "delete attribute")
}

func (s *PostgresStore) DeleteAttributes(ctx context.Context, identityID int64) error {
	if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM attributes WHERE identity_id = $1`, identityID); err != nil {
		return fmt.Errorf("delete attributes: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountAttributeValue(ctx context.Context, key models.AttributeKey, value string) (int, error) {
	var n int
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT count(*) FROM attributes WHERE key = $1 AND lower(value) = lower($2)
	`, string(key), value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attribute value: %w", err)
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Pending verifications
// -----------------------------------------------------------------------------

const pendingColumns = `id, identity_id, attribute_id, property, location, tries`

func scanPending(row rowScanner) (*models.PendingVerification, error) {
	var p models.PendingVerification
	var property string
	if err := row.Scan(&p.ID, &p.IdentityID, &p.AttributeID, &property, &p.Location, &p.Tries); err != nil {
		return nil, err
	}
	p.Property = models.AttributeKey(property)
	return &p, nil
}

func (s *PostgresStore) FindPendingByAttribute(ctx context.Context, attributeID int64) (*models.PendingVerification, error) {
	p, err := scanPending(s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_verifications WHERE attribute_id = $1`, attributeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find pending verification: %w", err)
	}
	return p, nil
}

// InsertPending enqueues a proof check. The unique attribute_id constraint
// keeps at most one open entry per attribute; a duplicate yields
// sentinel.ErrConflict.
func (s *PostgresStore) InsertPending(ctx context.Context, p *models.PendingVerification) error {
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO pending_verifications (identity_id, attribute_id, property, location, tries)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attribute_id) DO NOTHING
		RETURNING id
	`, p.IdentityID, p.AttributeID, string(p.Property), p.Location, p.Tries).Scan(&p.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("insert pending for attribute %d: %w", p.AttributeID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert pending verification: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePendingByAttribute(ctx context.Context, attributeID int64) error {
	if _, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM pending_verifications WHERE attribute_id = $1`, attributeID); err != nil {
		return fmt.Errorf("delete pending verification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]models.PendingVerification, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_verifications ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending verifications: %w", err)
	}
	defer rows.Close()

	var out []models.PendingVerification
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending verification: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending verifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdatePendingTries(ctx context.Context, id int64, tries int) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE pending_verifications SET tries = $2 WHERE id = $1`, id, tries)
	if err != nil {
		return fmt.Errorf("update pending tries: %w", err)
	}
	return requireAffected(res, "update pending tries")
}

func (s *PostgresStore) DeletePending(ctx context.Context, id int64) error {
	if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM pending_verifications WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete pending verification: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Email confirmations
// -----------------------------------------------------------------------------

// ReplaceEmailConfirmation purges the attribute's previous token and stores a new one.
func (s *PostgresStore) ReplaceEmailConfirmation(ctx context.Context, attributeID int64, token string) error {
	return s.RunInTx(ctx, func(txCtx context.Context) error {
		exec := s.execer(txCtx)
		if _, err := exec.ExecContext(txCtx,
			`DELETE FROM email_confirmations WHERE attribute_id = $1`, attributeID); err != nil {
			return fmt.Errorf("purge email confirmation: %w", err)
		}
		if _, err := exec.ExecContext(txCtx,
			`INSERT INTO email_confirmations (attribute_id, token) VALUES ($1, $2)`, attributeID, token); err != nil {
			return fmt.Errorf("insert email confirmation: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) FindEmailConfirmation(ctx context.Context, token string) (*models.EmailConfirmation, error) {
	var c models.EmailConfirmation
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT id, attribute_id, token FROM email_confirmations WHERE token = $1`, token,
	).Scan(&c.ID, &c.AttributeID, &c.Token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find email confirmation: %w", err)
	}
	return &c, nil
}

// DeleteEmailConfirmation consumes a token. Deleting an already consumed
// token yields sentinel.ErrNotFound so concurrent confirmations cannot both win.
func (s *PostgresStore) DeleteEmailConfirmation(ctx context.Context, id int64) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM email_confirmations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete email confirmation: %w", err)
	}
	return requireAffected(res, "delete email confirmation")
}

// -----------------------------------------------------------------------------
// Search
// -----------------------------------------------------------------------------

// SearchIdentities returns identities having at least one attribute under
// q.Keys that matches q.Pattern, with karma >= q.MinKarma.
func (s *PostgresStore) SearchIdentities(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error) {
	match := `lower(value) LIKE lower($2) ESCAPE '\'`
	if q.Mode == models.MatchExact {
		match = `lower(value) = lower($2)`
	}
	order := `ASC`
	if q.Order == models.KarmaDescending {
		order = `DESC`
	}
	keys := make([]string, len(q.Keys))
	for i, k := range q.Keys {
		keys[i] = string(k)
	}

	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT i.id, i.federation_id, i.last_modified, k.karma
		FROM identities i
		JOIN (
			SELECT identity_id, SUM(CASE WHEN verified THEN 1 ELSE 0 END) AS karma
			FROM attributes
			GROUP BY identity_id
		) k ON k.identity_id = i.id
		WHERE i.id IN (
			SELECT DISTINCT identity_id FROM attributes
			WHERE key = ANY($1) AND `+match+`
		)
		AND k.karma >= $3
		ORDER BY k.karma `+order+`, i.id ASC
		LIMIT $4
	`, pq.Array(keys), q.Pattern, q.MinKarma, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("search identities: %w", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var hit models.SearchHit
		var fid string
		if err := rows.Scan(&hit.Identity.ID, &fid, &hit.Identity.LastModified, &hit.Karma); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hit.Identity.FederationID = models.FederationID(fid)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return hits, nil
}

// -----------------------------------------------------------------------------
// Instances
// -----------------------------------------------------------------------------

func (s *PostgresStore) ListInstances(ctx context.Context) ([]string, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT instance FROM instances ORDER BY instance`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var instance string
		if err := rows.Scan(&instance); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// InsertInstance records instance. Known instances are left untouched.
func (s *PostgresStore) InsertInstance(ctx context.Context, instance string) error {
	_, err := s.execer(ctx).ExecContext(ctx,
		`INSERT INTO instances (instance) VALUES ($1) ON CONFLICT (instance) DO NOTHING`, instance)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, instance string) error {
	if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM instances WHERE instance = $1`, instance); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
