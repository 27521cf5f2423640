package domain

import (
	"fmt"
	"time"
)

// BatchKey identifies a logical batch. At most one state row exists per key.
type BatchKey struct {
	JobID     string
	Namespace string
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s/%s", k.Namespace, k.JobID)
}

// BatchJobState is the durable progress record of a batch import.
type BatchJobState struct {
	JobID               string      `json:"job_id"`
	Namespace           string      `json:"namespace"`
	LastProcessedItemID *string     `json:"last_processed_item_id,omitempty"`
	ProcessedCount      int         `json:"processed_count"`
	TotalCount          int         `json:"total_count"`
	FailedItemIDs       []string    `json:"failed_items"`
	Status              BatchStatus `json:"status"`
	LastError           *string     `json:"error,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Key returns the unique key of the state row.
func (s *BatchJobState) Key() BatchKey {
	return BatchKey{JobID: s.JobID, Namespace: s.Namespace}
}

// Clone returns a deep copy so callers can keep mutating their own state.
func (s *BatchJobState) Clone() *BatchJobState {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastProcessedItemID != nil {
		v := *s.LastProcessedItemID
		c.LastProcessedItemID = &v
	}
	if s.LastError != nil {
		v := *s.LastError
		c.LastError = &v
	}
	c.FailedItemIDs = append([]string{}, s.FailedItemIDs...)
	return &c
}

type BatchStatus string

const (
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCompleted  BatchStatus = "completed"
	// BatchStatusCompletedWithErrors is only written in strict status mode.
	BatchStatusCompletedWithErrors BatchStatus = "completed_with_errors"
)

// IsTerminal reports whether the batch has finished walking its input.
func (s BatchStatus) IsTerminal() bool {
	return s != BatchStatusInProgress
}

// IsCompleted is true for both completed variants.
func (s BatchStatus) IsCompleted() bool {
	return s == BatchStatusCompleted || s == BatchStatusCompletedWithErrors
}

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusInProgress, BatchStatusFailed, BatchStatusCompleted, BatchStatusCompletedWithErrors:
		return true
	}
	return false
}
