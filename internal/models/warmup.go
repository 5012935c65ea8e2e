package models

import "fmt"

// WarmupTarget is the target percentage bucket used in cooldown keys.
const WarmupTarget = "100"

// WarmupItem describes one pending warmup call. Built during screening,
// consumed by the executor, never persisted.
type WarmupItem struct {
	AccountID   string
	Email       string
	Model       string
	AccessToken string
	ProjectID   string
	Percent     int
}

// CooldownKey returns the ledger key for the item.
func (w WarmupItem) CooldownKey() CooldownKey {
	return CooldownKey{Email: w.Email, Model: w.Model, Target: WarmupTarget}
}

// WarmupRequest is the body accepted by the internal warmup endpoint.
type WarmupRequest struct {
	Email       string `json:"email"`
	Model       string `json:"model"`
	AccessToken string `json:"access_token"`
	ProjectID   string `json:"project_id"`
}

// CooldownKey identifies a warmup target in the cooldown ledger.
type CooldownKey struct {
	Email  string
	Model  string
	Target string
}

// String renders the key as "email:model:target".
func (k CooldownKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Email, k.Model, k.Target)
}
