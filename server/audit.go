package main

import (
	"fmt"

	"gorm.io/gorm"
)

// auditFunc appends one audit entry inside the caller's transaction. It is a
// field on Server rather than a direct insert so tests can swap in a failing
// writer and prove the triggering transition rolls back with it.
type auditFunc func(tx *gorm.DB, entry *AuditEntry) error

func appendAudit(tx *gorm.DB, entry *AuditEntry) error {
	return tx.Create(entry).Error
}

// recordTransition writes the audit row for one state change. The invariant
// is "no state change without its audit record": callers run this inside the
// same transaction as the mutation, so an audit failure aborts the commit.
func (s *Server) recordTransition(tx *gorm.DB, subjectType, subjectID, from, to, actor string) error {
	entry := &AuditEntry{
		Timestamp:   s.now(),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		FromState:   from,
		ToState:     to,
		Actor:       actor,
	}
	if err := s.audit(tx, entry); err != nil {
		return fmt.Errorf("%w: audit append: %v", ErrStorageFailure, err)
	}
	return nil
}
