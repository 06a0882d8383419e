package models

import (
	"fmt"
	"time"
)

// ScanStatus defines the possible states of a scan.
type ScanStatus string

const (
	ScanStatusQueued     ScanStatus = "queued"
	ScanStatusInProgress ScanStatus = "in_progress"
	ScanStatusCompleted  ScanStatus = "completed"
	ScanStatusFailed     ScanStatus = "failed"
)

// allowedTransitions is the whole lifecycle: queued -> in_progress -> {completed, failed}.
var allowedTransitions = map[ScanStatus][]ScanStatus{
	ScanStatusQueued:     {ScanStatusInProgress},
	ScanStatusInProgress: {ScanStatusCompleted, ScanStatusFailed},
}

// IsValid reports whether ss is one of the four known states.
func (ss ScanStatus) IsValid() bool {
	switch ss {
	case ScanStatusQueued, ScanStatusInProgress, ScanStatusCompleted, ScanStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (ss ScanStatus) IsTerminal() bool {
	return ss == ScanStatusCompleted || ss == ScanStatusFailed
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to ScanStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Scan is one request to assess a Target.
//
// CompletedAt is set iff Status is terminal, Findings iff Status is completed,
// and FailureReason iff Status is failed. The transition methods keep these
// invariants; Validate checks them.
type Scan struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"accountId"`
	Target         Target         `json:"target"`
	Status         ScanStatus     `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	Findings       *Findings      `json:"findings,omitempty"`
	FailureReason  *FailureReason `json:"failureReason,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// NewScan returns a queued scan started at now.
func NewScan(id, accountID string, target Target, idempotencyKey string, now time.Time) *Scan {
	return &Scan{
		ID:             id,
		AccountID:      accountID,
		Target:         target,
		Status:         ScanStatusQueued,
		StartedAt:      now.UTC(),
		IdempotencyKey: idempotencyKey,
	}
}

func (s *Scan) transition(to ScanStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// Start moves a queued scan to in_progress.
func (s *Scan) Start() error {
	return s.transition(ScanStatusInProgress)
}

// Complete moves an in-progress scan to completed with its findings attached.
func (s *Scan) Complete(findings Findings, at time.Time) error {
	if err := findings.Validate(); err != nil {
		return err
	}
	if err := s.transition(ScanStatusCompleted); err != nil {
		return err
	}
	completedAt := at.UTC()
	s.CompletedAt = &completedAt
	s.Findings = &findings
	return nil
}

// Fail moves an in-progress scan to failed with reason attached.
func (s *Scan) Fail(reason FailureReason, at time.Time) error {
	if err := s.transition(ScanStatusFailed); err != nil {
		return err
	}
	completedAt := at.UTC()
	s.CompletedAt = &completedAt
	s.FailureReason = &reason
	return nil
}

// Validate checks the record-shape invariants.
func (s *Scan) Validate() error {
	if !s.Status.IsValid() {
		return fmt.Errorf("scan %s: unknown status %q", s.ID, s.Status)
	}
	if (s.CompletedAt != nil) != s.Status.IsTerminal() {
		return fmt.Errorf("scan %s: completedAt present=%t with status %s", s.ID, s.CompletedAt != nil, s.Status)
	}
	if (s.Findings != nil) != (s.Status == ScanStatusCompleted) {
		return fmt.Errorf("scan %s: findings present=%t with status %s", s.ID, s.Findings != nil, s.Status)
	}
	if (s.FailureReason != nil) != (s.Status == ScanStatusFailed) {
		return fmt.Errorf("scan %s: failureReason present=%t with status %s", s.ID, s.FailureReason != nil, s.Status)
	}
	if s.Findings != nil {
		if err := s.Findings.Validate(); err != nil {
			return fmt.Errorf("scan %s: %w", s.ID, err)
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Scan) Clone() *Scan {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Findings != nil {
		f := *s.Findings
		c.Findings = &f
	}
	if s.FailureReason != nil {
		r := *s.FailureReason
		c.FailureReason = &r
	}
	return &c
}

// ScanSummary is the list-row view of a scan. ViewResults is true only for
// completed scans.
type ScanSummary struct {
	ID          string     `json:"id"`
	Target      Target     `json:"target"`
	Status      ScanStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ViewResults bool       `json:"viewResults"`
}

// Summary returns the list-row view of s.
func (s *Scan) Summary() ScanSummary {
	summary := ScanSummary{
		ID:          s.ID,
		Target:      s.Target,
		Status:      s.Status,
		StartedAt:   s.StartedAt,
		ViewResults: s.Status == ScanStatusCompleted,
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		summary.CompletedAt = &t
	}
	return summary
}
