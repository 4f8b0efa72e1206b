package model

import "time"

// CompletionRecord tracks the lifecycle of one logical key.
//
// Absence of a record means the key was never requested or has been cleaned
// up. Notified=false means work is in flight. Notified=true means the work
// finished and the terminal notification was published; ResultRef points at
// the output on success, LastError carries the failure otherwise.
type CompletionRecord struct {
	LogicalKey string    `json:"logical_key"          db:"logical_key"`
	Notified   bool      `json:"notified"             db:"notified"`
	ResultRef  *string   `json:"result_ref,omitempty" db:"result_ref"`
	LastError  *string   `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time `json:"created_at"           db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"           db:"updated_at"`
}

// CompletionStatus is the poll answer for a logical key. Exists=false with
// zero-valued fields means the key is unknown.
type CompletionStatus struct {
	Exists    bool    `json:"exists"`
	Notified  bool    `json:"notified"`
	ResultRef *string `json:"result_ref,omitempty"`
	LastError *string `json:"last_error,omitempty"`
}
