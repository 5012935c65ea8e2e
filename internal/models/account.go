// Package models defines data structures and domain types.
package models

import (
	"encoding/json"
	"time"
)

// DefaultTokenSkew is how long before expiry a token stops being usable.
const DefaultTokenSkew = 5 * time.Minute

// Token is an OAuth credential triple. Tokens are values: a refresh produces a
// new Token that replaces the old one in the Account.
type Token struct {
	Expiry       time.Time `json:"expiry"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken"`
}

// Usable reports whether the access token is still valid beyond skew at now.
func (t Token) Usable(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" || t.Expiry.IsZero() {
		return false
	}
	return now.Add(skew).Before(t.Expiry)
}

// Account represents a Google account with OAuth credentials.
// This is the unified account type used throughout the application.
type Account struct {
	Token         Token     `json:"token"`
	AddedAt       time.Time `json:"addedAt"`
	LastUsed      time.Time `json:"lastUsed"`
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	ProjectID     string    `json:"projectId,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	ProxyURL      string    `json:"proxyUrl,omitempty"`
	Disabled      bool      `json:"disabled,omitempty"`
	ProxyDisabled bool      `json:"proxyDisabled,omitempty"`
}

// Eligible reports whether the account may be used for routing and warmup.
func (a *Account) Eligible() bool {
	return !a.Disabled && !a.ProxyDisabled
}

// Clone returns a copy of the account. All fields are values, so a plain copy
// is deep.
func (a *Account) Clone() Account {
	return *a
}

// RawAccountData represents the JSON structure of an account in the
// opencode-antigravity-auth accounts file. Used to import accounts written by
// that tool.
type RawAccountData struct {
	Email        string          `json:"email"`
	RefreshToken string          `json:"refreshToken"`
	ProjectID    string          `json:"projectId"`
	AddedAt      json.RawMessage `json:"addedAt,omitempty"`
	LastUsed     json.RawMessage `json:"lastUsed,omitempty"`
}

// ToAccount converts RawAccountData to Account, parsing date fields. The
// access token is left empty so the first use triggers a refresh.
func (r *RawAccountData) ToAccount() Account {
	acc := Account{
		Email:     r.Email,
		ProjectID: r.ProjectID,
		Token:     Token{RefreshToken: r.RefreshToken},
	}

	// Parse AddedAt - can be ISO string or Unix timestamp
	if len(r.AddedAt) > 0 {
		acc.AddedAt = parseTimeField(r.AddedAt)
	}

	if len(r.LastUsed) > 0 {
		acc.LastUsed = parseTimeField(r.LastUsed)
	}

	return acc
}

// parseTimeField attempts to parse a JSON time value as either ISO string or Unix timestamp.
func parseTimeField(data json.RawMessage) time.Time {
	// Try as string first (ISO 8601)
	var strVal string
	if err := json.Unmarshal(data, &strVal); err == nil {
		if t, err := time.Parse(time.RFC3339, strVal); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, strVal); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02T15:04:05.000Z", strVal); err == nil {
			return t
		}
	}

	// Try as number (Unix timestamp in milliseconds or seconds)
	var numVal float64
	if err := json.Unmarshal(data, &numVal); err == nil {
		if numVal > 1e12 {
			// Milliseconds
			return time.UnixMilli(int64(numVal))
		}
		return time.Unix(int64(numVal), 0)
	}

	return time.Time{}
}
