package model

import "time"

// Lease is an exclusive, expiring claim on a file path.
type Lease struct {
	FilePath  string    `json:"file_path"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
