package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested listing does not exist.
var ErrNotFound = errors.New("listing: not found")

// Repository provides read access to the listing catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a listing together with its moderation risk tag.
func (r *Repository) GetByID(ctx context.Context, id string) (Listing, error) {
	const query = `
		SELECT l.id, l.owner_id, l.title, l.kind, l.suggested_hours, l.created_at,
		       COALESCE(rt.risk_level, ''), COALESCE(rt.requires_approval, false)
		FROM listings l
		LEFT JOIN listing_risk_tags rt ON rt.listing_id = l.id
		WHERE l.id = $1
	`

	var l Listing
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&l.ID,
		&l.OwnerID,
		&l.Title,
		&l.Kind,
		&l.SuggestedHours,
		&l.CreatedAt,
		&l.RiskLevel,
		&l.RequiresApproval,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: query by id: %w", err)
	}

	return l, nil
}

// List fetches up to limit listings ordered by creation time, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT l.id, l.owner_id, l.title, l.kind, l.suggested_hours, l.created_at,
		       COALESCE(rt.risk_level, ''), COALESCE(rt.requires_approval, false)
		FROM listings l
		LEFT JOIN listing_risk_tags rt ON rt.listing_id = l.id
		ORDER BY l.created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0, limit)
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Title, &l.Kind, &l.SuggestedHours, &l.CreatedAt, &l.RiskLevel, &l.RequiresApproval); err != nil {
			return nil, fmt.Errorf("listing: scan: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate: %w", err)
	}

	return listings, nil
}
