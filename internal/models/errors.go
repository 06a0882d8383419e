package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget is returned for a missing or malformed target URL. It is
	// detected locally and never creates a scan record.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrIllegalTransition is returned when a status change would skip a state
	// or leave a terminal state.
	ErrIllegalTransition = errors.New("illegal scan status transition")
	// ErrInvalidFindings is returned for negative counts.
	ErrInvalidFindings = errors.New("invalid findings")
)

// FailureKind classifies why a scan ended in the failed state.
type FailureKind string

const (
	FailureTransport         FailureKind = "transport_failure"
	FailureMalformedResponse FailureKind = "malformed_agent_response"
)

// TimeoutMessage is the transport failure message recorded when the agent deadline expires.
const TimeoutMessage = "timeout"

// FailureReason is attached to every failed scan.
type FailureReason struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// TransportFailure describes an unreachable agent, a non-success reply, or a timeout.
func TransportFailure(message string) FailureReason {
	return FailureReason{Kind: FailureTransport, Message: message}
}

// MalformedAgentResponse describes an agent reply that could not be read as findings.
func MalformedAgentResponse(message string) FailureReason {
	return FailureReason{Kind: FailureMalformedResponse, Message: message}
}

func (f FailureReason) String() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// DispatchError carries a failed scan's reason back to the dispatching caller.
// Its message is the same text recorded on the scan.
type DispatchError struct {
	ScanID string
	Reason FailureReason
}

func (e *DispatchError) Error() string {
	return e.Reason.Message
}

// IsTimeout reports whether the dispatch failed because the agent deadline expired.
func (e *DispatchError) IsTimeout() bool {
	return e.Reason.Kind == FailureTransport && e.Reason.Message == TimeoutMessage
}
