package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrMemberNotFound signals that the member does not exist.
	ErrMemberNotFound = errors.New("auth: member not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateMember(ctx context.Context, params CreateMemberParams) (Member, error)
	GetMemberByEmail(ctx context.Context, email string) (Member, error)
	GetMemberByID(ctx context.Context, memberID string) (Member, error)
}

// CreateMemberParams contains write parameters for creating members.
type CreateMemberParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateMember inserts a new member with hashed password.
func (r *PGRepository) CreateMember(ctx context.Context, params CreateMemberParams) (Member, error) {
	const insertSQL = `
		INSERT INTO members (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, full_name, password_hash, role, created_at, updated_at
	`

	member, err := scanMember(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Member{}, ErrDuplicateEmail
		}
		return Member{}, fmt.Errorf("auth: create member: %w", err)
	}

	return member, nil
}

// GetMemberByEmail retrieves a member by email address.
func (r *PGRepository) GetMemberByEmail(ctx context.Context, email string) (Member, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, role, created_at, updated_at
		FROM members
		WHERE email = $1
	`

	member, err := scanMember(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrMemberNotFound
		}
		return Member{}, fmt.Errorf("auth: get member by email: %w", err)
	}

	return member, nil
}

// GetMemberByID retrieves a member by ID.
func (r *PGRepository) GetMemberByID(ctx context.Context, memberID string) (Member, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, role, created_at, updated_at
		FROM members
		WHERE id = $1
	`

	member, err := scanMember(r.pool.QueryRow(ctx, selectSQL, memberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrMemberNotFound
		}
		return Member{}, fmt.Errorf("auth: get member by id: %w", err)
	}

	return member, nil
}

func scanMember(row pgx.Row) (Member, error) {
	var member Member
	err := row.Scan(
		&member.ID,
		&member.Email,
		&member.FullName,
		&member.PasswordHash,
		&member.Role,
		&member.CreatedAt,
		&member.UpdatedAt,
	)
	if err != nil {
		return Member{}, err
	}
	return member, nil
}
