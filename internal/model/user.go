package model

import "time"

// User is identified by wallet address. Rows are created on first
// interaction and never deleted by this service.
type User struct {
	ID            string    `db:"id" json:"id"`
	WalletAddress string    `db:"wallet_address" json:"walletAddress"`
	Username      string    `db:"username" json:"username"`
	Score         int64     `db:"score" json:"score"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

type CreateUserParams struct {
	WalletAddress string
	Username      string
}
