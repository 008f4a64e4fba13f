package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByWallet(ctx context.Context, walletAddress string) (*model.User, error)
	// FindOrCreate upserts on the unique wallet address; an existing row
	// keeps its username and score.
	FindOrCreate(ctx context.Context, params model.CreateUserParams) (*model.User, error)
	UpdateUsername(ctx context.Context, id string, username string) error
	IncrementScore(ctx context.Context, id string, delta int64) error
}

type userDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type userRepo struct {
	db userDB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, id)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByWallet(ctx context.Context, walletAddress string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE wallet_address = $1
	`, walletAddress)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindOrCreate(ctx context.Context, params model.CreateUserParams) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO users (wallet_address, username)
		VALUES ($1, $2)
		ON CONFLICT (wallet_address) DO UPDATE SET updated_at = NOW()
		RETURNING *
	`, params.WalletAddress, params.Username)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepo) UpdateUsername(ctx context.Context, id string, username string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			username = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, username)
	return err
}

func (r *userRepo) IncrementScore(ctx context.Context, id string, delta int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			score = score + $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, delta)
	return err
}
