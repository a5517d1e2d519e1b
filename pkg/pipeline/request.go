package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// DonationRequest is one inbound donation. Amount is in millicents and
// Timestamp in milliseconds since the epoch.
type DonationRequest struct {
	Amount                int64  `json:"amount"`
	Timestamp             int64  `json:"timestamp"`
	OrganizationID        string `json:"organizationId"`
	TargetPackageID       string `json:"targetPackageId,omitempty"`
	RedistributedDonation bool   `json:"redistributedDonation,omitempty"`
	Description           string `json:"description,omitempty"`
	CorrelationID         string `json:"correlationId,omitempty"`
}

// StageMessage is the payload passed between split-flow stages
type StageMessage struct {
	CorrelationID string `json:"correlationId"`
}

// Validate checks the fields required before any lock or side effect
func (r DonationRequest) Validate() error {
	if r.OrganizationID == "" {
		return &ValidationError{Field: "organizationId", Message: "organization id is required"}
	}
	if r.Amount < 0 {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("amount must not be negative, got %d", r.Amount)}
	}
	return nil
}

// Time returns the donation time, or now when the request carries none
func (r DonationRequest) Time(now func() time.Time) time.Time {
	if r.Timestamp <= 0 {
		return now().UTC()
	}
	return time.UnixMilli(r.Timestamp).UTC()
}

// Targeted reports whether the donation goes to a single package
func (r DonationRequest) Targeted() bool {
	return r.TargetPackageID != ""
}

// ValidationError reports an unusable request or record. It is fatal for the
// run; redelivery and dead-lettering are left to the queue's policy.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation error on %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrStageNotReached is returned when a stage runs before its predecessor finished
var ErrStageNotReached = errors.New("run has not reached the required stage")
