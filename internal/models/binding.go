package models

import "time"

// Credential is a decrypted upstream access token.
type Credential struct {
	AccessToken string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the token is unusable at now. A zero expiry never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// WorkspaceAccountBinding ties a platform account to a workspace and its credential.
type WorkspaceAccountBinding struct {
	ID                string     `json:"id"`
	WorkspaceID       string     `json:"workspace_id"`
	Platform          string     `json:"platform"`
	PageID            string     `json:"page_id"`
	BusinessAccountID string     `json:"business_account_id"`
	IsActive          bool       `json:"is_active"`
	Credential        Credential `json:"credential"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PlatformAccountID is the identifier upstream calls are addressed with.
func (b WorkspaceAccountBinding) PlatformAccountID() string {
	if b.BusinessAccountID != "" {
		return b.BusinessAccountID
	}
	return b.PageID
}

// MetricSnapshot is one polled counter set for a media item or the account itself.
type MetricSnapshot struct {
	WorkspaceID       string           `json:"workspace_id"`
	PlatformAccountID string           `json:"platform_account_id"`
	ObjectID          string           `json:"object_id"`
	Class             string           `json:"class"`
	Values            map[string]int64 `json:"values"`
	CollectedAt       time.Time        `json:"collected_at"`
}
