package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested client does not exist.
var ErrNotFound = errors.New("client: not found")

// Repository provides access to client profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a client profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id::text, name, industry, ein, active, created_at
		FROM clients
		WHERE id = $1
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.Name,
		&profile.Industry,
		&profile.EIN,
		&profile.Active,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("client: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit active client profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id::text, name, industry, ein, active, created_at
		FROM clients
		WHERE active
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("client: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.Name, &profile.Industry, &profile.EIN, &profile.Active, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("client: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("client: iterate profiles: %w", err)
	}

	return profiles, nil
}

// Create registers a new client profile.
func (r *Repository) Create(ctx context.Context, name, industry, ein string) (Profile, error) {
	if name == "" {
		return Profile{}, fmt.Errorf("client: name required")
	}

	const insertSQL = `
		INSERT INTO clients (name, industry, ein)
		VALUES ($1, $2, $3)
		RETURNING id::text, name, industry, ein, active, created_at
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, insertSQL, name, industry, ein).Scan(
		&profile.ID,
		&profile.Name,
		&profile.Industry,
		&profile.EIN,
		&profile.Active,
		&profile.CreatedAt,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("client: insert: %w", err)
	}

	return profile, nil
}
