package model

import "time"

// VaultFile is a client-uploaded input file readable only with its token.
type VaultFile struct {
	ID         string     `json:"id"`
	Filename   string     `json:"filename"`
	MediaType  string     `json:"media_type"`
	Size       int64      `json:"size"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Expired reports whether the file is past its idle lifetime at now.
func (f *VaultFile) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}
