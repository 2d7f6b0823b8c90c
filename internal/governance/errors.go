package governance

import (
	"errors"
	"fmt"
)

// ReasonCode classifies governance violations for clear error reporting.
// These protect the audit chain: they are always hard errors, never
// downgraded to warnings.
type ReasonCode string

const (
	ReasonProposalNotFound    ReasonCode = "PROPOSAL_NOT_FOUND"
	ReasonProposalNotProposed ReasonCode = "PROPOSAL_NOT_PROPOSED"
	ReasonProposalNotEligible ReasonCode = "PROPOSAL_NOT_ELIGIBLE"
	ReasonDuplicateApply      ReasonCode = "DUPLICATE_APPLY"
	ReasonLockDenied          ReasonCode = "LOCK_DENIED"
	ReasonApplicationNotFound ReasonCode = "APPLICATION_NOT_FOUND"
	ReasonAlreadyRolledBack   ReasonCode = "ALREADY_ROLLED_BACK"
	ReasonUnknownParameter    ReasonCode = "UNKNOWN_PARAMETER"
	ReasonDocumentNotFound    ReasonCode = "DOCUMENT_NOT_FOUND"
	ReasonHashMismatch        ReasonCode = "HASH_MISMATCH"
)

// GovernanceError carries the violation reason plus contextual details.
type GovernanceError struct {
	Reason  ReasonCode
	Message string
	Details map[string]interface{}
}

func (e GovernanceError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Reason, e.Message)
}

// ReasonOf extracts the governance reason code from an error chain, or ""
// when the error is not a governance violation.
func ReasonOf(err error) ReasonCode {
	var gerr GovernanceError
	if errors.As(err, &gerr) {
		return gerr.Reason
	}
	return ""
}
