package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/orchestra/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS catalog_products (
	id                  TEXT PRIMARY KEY,
	handle              TEXT NOT NULL UNIQUE,
	title               TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	intervention_reason TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	finalized_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS catalog_images (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES catalog_products (id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	source_url TEXT NOT NULL,
	object_key TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	UNIQUE (product_id, position)
);
`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PgRepository is a PostgreSQL-backed Repository.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository creates a repository on pool.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Migrate creates the catalog tables if they do not exist.
func (r *PgRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate catalog tables: %w", err)
	}
	return nil
}

// Reserve creates a DRAFT product with PENDING placeholders in one
// transaction.
func (r *PgRepository) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	var res Reservation
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := getProduct(ctx, tx, `handle = $1 FOR UPDATE`, req.Handle)
		if err == nil {
			if !isReplay(existing, req.SourceURLs) {
				return handleTaken(req.Handle, existing.Status)
			}
			res = reservationOf(existing, true)
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		now := time.Now().UTC()
		p := Product{
			ID:        uuid.New().String(),
			Handle:    req.Handle,
			Title:     req.Title,
			Status:    StatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO catalog_products (id, handle, title, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.Handle, p.Title, string(p.Status), p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, src := range req.SourceURLs {
			img := Image{ID: uuid.New().String(), ProductID: p.ID, Position: i + 1, SourceURL: src, Status: ImagePending}
			p.Images = append(p.Images, img)
			batch.Queue(`
				INSERT INTO catalog_images (id, product_id, position, source_url, status)
				VALUES ($1, $2, $3, $4, $5)`,
				img.ID, img.ProductID, img.Position, img.SourceURL, string(img.Status))
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		res = reservationOf(p, false)
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Reservation{}, handleTaken(req.Handle, StatusDraft)
		}
		var envelope *model.ErrorEnvelope
		if errors.As(err, &envelope) {
			return Reservation{}, envelope
		}
		return Reservation{}, fmt.Errorf("reserve product %q: %w", req.Handle, err)
	}
	return res, nil
}

// Finalize links and fails images and sets the product status in one
// transaction.
func (r *PgRepository) Finalize(ctx context.Context, req FinalizeRequest) (Product, error) {
	var out Product
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		p, err := getProduct(ctx, tx, `id = $1 FOR UPDATE`, req.ProductID)
		if errors.Is(err, pgx.ErrNoRows) {
			return productNotFound(req.ProductID)
		}
		if err != nil {
			return err
		}
		if !isUnfinalized(p) {
			return model.NewConflictError(fmt.Sprintf("product %q is already finalized", p.ID))
		}

		for _, l := range req.Linked {
			tag, err := tx.Exec(ctx, `
				UPDATE catalog_images SET status = $1, object_key = $2
				WHERE id = $3 AND product_id = $4`,
				string(ImageLinked), l.ObjectKey, l.ImageID, p.ID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return imageNotFound(p.ID, l.ImageID)
			}
		}
		for _, f := range req.Failed {
			tag, err := tx.Exec(ctx, `
				UPDATE catalog_images SET status = $1, error = $2
				WHERE id = $3 AND product_id = $4`,
				string(ImageFailed), f.Error, f.ImageID, p.ID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return imageNotFound(p.ID, f.ImageID)
			}
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE catalog_products
			SET status = $1, intervention_reason = $2, updated_at = $3, finalized_at = $3
			WHERE id = $4`,
			string(req.Status), req.InterventionReason, now, p.ID,
		); err != nil {
			return err
		}

		out, err = getProduct(ctx, tx, `id = $1`, p.ID)
		return err
	})
	if err != nil {
		var envelope *model.ErrorEnvelope
		if errors.As(err, &envelope) {
			return Product{}, envelope
		}
		return Product{}, fmt.Errorf("finalize product %q: %w", req.ProductID, err)
	}
	return out, nil
}

// Discard deletes an unfinalized reservation and its placeholders.
func (r *PgRepository) Discard(ctx context.Context, productID string) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		p, err := getProduct(ctx, tx, `id = $1 FOR UPDATE`, productID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !isUnfinalized(p) {
			return model.NewConflictError(fmt.Sprintf("product %q is finalized and cannot be discarded", productID))
		}
		_, err = tx.Exec(ctx, `DELETE FROM catalog_products WHERE id = $1`, productID)
		return err
	})
	if err != nil {
		var envelope *model.ErrorEnvelope
		if errors.As(err, &envelope) {
			return envelope
		}
		return fmt.Errorf("discard product %q: %w", productID, err)
	}
	return nil
}

// Get returns a product by ID.
func (r *PgRepository) Get(ctx context.Context, productID string) (Product, error) {
	p, err := getProduct(ctx, r.pool, `id = $1`, productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, productNotFound(productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product %q: %w", productID, err)
	}
	return p, nil
}

// GetByHandle returns a product by handle.
func (r *PgRepository) GetByHandle(ctx context.Context, handle string) (Product, error) {
	p, err := getProduct(ctx, r.pool, `handle = $1`, handle)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, model.NewNotFoundError(fmt.Sprintf("product with handle %q not found", handle))
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product by handle %q: %w", handle, err)
	}
	return p, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// getProduct loads one product matching where, with its images in position
// order. Returns pgx.ErrNoRows when nothing matches.
func getProduct(ctx context.Context, q querier, where string, arg any) (Product, error) {
	var p Product
	var status string
	err := q.QueryRow(ctx, `
		SELECT id, handle, title, status, intervention_reason, created_at, updated_at, finalized_at
		FROM catalog_products WHERE `+where, arg,
	).Scan(&p.ID, &p.Handle, &p.Title, &status, &p.InterventionReason, &p.CreatedAt, &p.UpdatedAt, &p.FinalizedAt)
	if err != nil {
		return Product{}, err
	}
	p.Status = ProductStatus(status)

	rows, err := q.Query(ctx, `
		SELECT id, product_id, position, source_url, object_key, status, error
		FROM catalog_images WHERE product_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return Product{}, err
	}
	p.Images, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Image, error) {
		var img Image
		var st string
		err := row.Scan(&img.ID, &img.ProductID, &img.Position, &img.SourceURL, &img.ObjectKey, &st, &img.Error)
		img.Status = ImageStatus(st)
		return img, err
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}
