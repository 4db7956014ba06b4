package supplier

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const supplierColumns = `supplier_id, payee_name, normalized_name, business_name, dba, legal_name,
	ein, city, state, mcc, industry, payment_type, has_business_ind, common_name_score, name_length`

// Repository handles database operations for the supplier cache. Every query
// binds its parameters; raw payee strings routinely carry apostrophes,
// ampersands and worse.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new supplier repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// UpsertBatch applies rows atomically per supplier_id: existing rows are
// updated, new ones inserted. Normalization is recomputed here so the stored
// normalized_name is always a deterministic function of payee_name.
func (r *Repository) UpsertBatch(ctx context.Context, rows []Supplier) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO suppliers (` + supplierColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		ON CONFLICT (supplier_id) DO UPDATE SET
			payee_name = EXCLUDED.payee_name,
			normalized_name = EXCLUDED.normalized_name,
			business_name = EXCLUDED.business_name,
			dba = EXCLUDED.dba,
			legal_name = EXCLUDED.legal_name,
			ein = EXCLUDED.ein,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			mcc = EXCLUDED.mcc,
			industry = EXCLUDED.industry,
			payment_type = EXCLUDED.payment_type,
			has_business_ind = EXCLUDED.has_business_ind,
			common_name_score = EXCLUDED.common_name_score,
			name_length = EXCLUDED.name_length,
			updated_at = now()
	`

	for i := range rows {
		row := rows[i]
		normalized := Normalize(row.PayeeName)
		batch.Queue(query,
			row.SupplierID,
			row.PayeeName,
			normalized,
			row.BusinessName,
			row.DBA,
			row.LegalName,
			row.EIN,
			row.City,
			row.State,
			row.MCC,
			row.Industry,
			row.PaymentType,
			HasBusinessIndicator(normalized),
			row.CommonNameScore,
			len(normalized),
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert supplier batch: %w", err)
		}
	}

	if _, err := r.db.Exec(ctx, `
		UPDATE supplier_sync_state
		SET row_count = (SELECT count(*) FROM suppliers), last_synced_at = now()
		WHERE id = 1
	`); err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}

	return nil
}

// LookupExact returns suppliers whose normalized name equals the query.
func (r *Repository) LookupExact(ctx context.Context, normalized string, limit int) ([]Supplier, error) {
	query := `
		SELECT ` + supplierColumns + `
		FROM suppliers
		WHERE normalized_name = $1
		ORDER BY supplier_id
		LIMIT $2
	`
	return r.scanSuppliers(ctx, query, normalized, limit)
}

// LookupPrefix returns suppliers whose normalized name starts with the query.
func (r *Repository) LookupPrefix(ctx context.Context, normalized string, limit int) ([]Supplier, error) {
	query := `
		SELECT ` + supplierColumns + `
		FROM suppliers
		WHERE normalized_name LIKE $1 || '%'
		ORDER BY name_length, supplier_id
		LIMIT $2
	`
	return r.scanSuppliers(ctx, query, normalized, limit)
}

// LookupContains returns suppliers whose normalized name contains the query
// as a substring, served by the trigram index.
func (r *Repository) LookupContains(ctx context.Context, normalized string, limit int) ([]Supplier, error) {
	query := `
		SELECT ` + supplierColumns + `
		FROM suppliers
		WHERE normalized_name LIKE '%' || $1 || '%'
		ORDER BY name_length, supplier_id
		LIMIT $2
	`
	return r.scanSuppliers(ctx, query, normalized, limit)
}

// LookupFirstToken returns suppliers sharing the query's first token.
func (r *Repository) LookupFirstToken(ctx context.Context, token string, limit int) ([]Supplier, error) {
	query := `
		SELECT ` + supplierColumns + `
		FROM suppliers
		WHERE split_part(normalized_name, ' ', 1) = $1
		ORDER BY name_length, supplier_id
		LIMIT $2
	`
	return r.scanSuppliers(ctx, query, token, limit)
}

// All streams every supplier row, used to build the in-memory index.
func (r *Repository) All(ctx context.Context, fn func(Supplier) error) error {
	rows, err := r.db.Query(ctx, `SELECT `+supplierColumns+` FROM suppliers ORDER BY supplier_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSupplier(rows)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats returns row count and last sync time.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var last *time.Time
	err := r.db.QueryRow(ctx, `SELECT row_count, last_synced_at FROM supplier_sync_state WHERE id = 1`).
		Scan(&st.RowCount, &last)
	if err != nil {
		return nil, err
	}
	st.LastSyncedAt = last
	return &st, nil
}

func (r *Repository) scanSuppliers(ctx context.Context, query string, arg any, limit int) ([]Supplier, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := r.db.Query(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Supplier
	for rows.Next() {
		s, err := scanSupplier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSupplier(rows pgx.Rows) (Supplier, error) {
	var s Supplier
	err := rows.Scan(
		&s.SupplierID,
		&s.PayeeName,
		&s.NormalizedName,
		&s.BusinessName,
		&s.DBA,
		&s.LegalName,
		&s.EIN,
		&s.City,
		&s.State,
		&s.MCC,
		&s.Industry,
		&s.PaymentType,
		&s.HasBusinessInd,
		&s.CommonNameScore,
		&s.NameLength,
	)
	return s, err
}
