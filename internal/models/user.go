package models

import (
	"slices"
	"time"
)

// User is a registered GitHub account with the wallet that receives payouts
// and the App installations it can manage.
type User struct {
	Username      string    `json:"username" db:"username"`
	WalletAddress string    `json:"wallet_address" db:"wallet_address"`
	Installations []int64   `json:"github_installations" db:"github_installations"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// HasInstallation reports whether the user can manage the installation.
func (u *User) HasInstallation(installationID int64) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.Installations, installationID)
}
