// Package models defines data structures and domain types.
package models

import "time"

// APICall represents one upstream call made on behalf of a caller, as logged
// to the database by the dispatcher.
type APICall struct {
	Timestamp  time.Time
	Error      string
	AccountID  string
	Email      string
	Model      string
	Path       string
	RequestID  string
	DurationMs int
	StatusCode int
	Attempt    int
	ID         int64
}
