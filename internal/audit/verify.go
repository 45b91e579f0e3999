package audit

import (
	"context"
	"fmt"

	"tradecore/internal/core"
)

// ChainError describes one integrity failure found during verification.
type ChainError struct {
	SequenceID int64
	Reason     string
}

func (e ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at sequence %d: %s", e.SequenceID, e.Reason)
}

// VerifyChain checks an ordered slice of events for gaps, broken links and
// checksum mismatches. It never stops at the first failure; every defect in
// the range is reported.
func VerifyChain(events []core.AuditEvent) []ChainError {
	var errs []ChainError
	for i := range events {
		e := &events[i]

		if i > 0 {
			prev := &events[i-1]
			if e.SequenceID != prev.SequenceID+1 {
				errs = append(errs, ChainError{
					SequenceID: e.SequenceID,
					Reason:     fmt.Sprintf("sequence gap after %d", prev.SequenceID),
				})
			}
			if e.PrevChecksum != prev.Checksum {
				errs = append(errs, ChainError{
					SequenceID: e.SequenceID,
					Reason:     "prev_checksum does not match predecessor",
				})
			}
		}

		want, err := EventChecksum(e)
		if err != nil {
			errs = append(errs, ChainError{
				SequenceID: e.SequenceID,
				Reason:     fmt.Sprintf("checksum recomputation failed: %v", err),
			})
			continue
		}
		if want != e.Checksum {
			errs = append(errs, ChainError{
				SequenceID: e.SequenceID,
				Reason:     "stored checksum does not match recomputed value",
			})
		}
	}
	return errs
}

// VerifyRange loads the stored range and verifies it.
func VerifyRange(ctx context.Context, store ChainStore, from, to int64) ([]ChainError, error) {
	events, err := store.ListRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return VerifyChain(events), nil
}
