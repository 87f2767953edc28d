package sync

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/gateway"
)

// Verification check names. These are the keys of the VerificationResult
// map and part of the wire contract.
const (
	CheckRowCount    = "Row Count Verification"
	CheckSchema      = "Schema Integrity"
	CheckIndexes     = "Index Presence"
	CheckConstraints = "Constraint Validation"
)

// VerificationStatus classifies one verification check outcome
type VerificationStatus string

const (
	// VerificationPassed means the check found source and target consistent
	VerificationPassed VerificationStatus = "passed"

	// VerificationWarning means a non-fatal discrepancy was found
	VerificationWarning VerificationStatus = "warning"

	// VerificationFailed means the check found an inconsistency
	VerificationFailed VerificationStatus = "failed"
)

// CheckOutcome is the result of a single verification check
type CheckOutcome struct {
	Status  VerificationStatus `json:"status"`
	Message string             `json:"message"`
}

// VerificationResult maps check names to their outcomes. A failed entry
// does not demote a completed operation; the data movement already
// happened, so failures are surfaced and recorded instead.
type VerificationResult map[string]CheckOutcome

// Failed reports whether any check failed
func (v VerificationResult) Failed() bool {
	for _, outcome := range v {
		if outcome.Status == VerificationFailed {
			return true
		}
	}
	return false
}

// verifier runs the post-import consistency checks between source and target
type verifier struct {
	logger *zap.Logger
}

func newVerifier(log *zap.Logger) *verifier {
	return &verifier{logger: log.Named("verifier")}
}

// run executes all checks; individual check errors degrade to failed
// outcomes rather than aborting verification.
func (v *verifier) run(ctx context.Context, source, target gateway.Gateway) VerificationResult {
	result := VerificationResult{}

	srcTables, srcErr := source.ListTables(ctx)
	dstTables, dstErr := target.ListTables(ctx)
	if srcErr != nil || dstErr != nil {
		msg := "could not introspect instances"
		if srcErr != nil {
			msg = fmt.Sprintf("source introspection failed: %v", srcErr)
		} else if dstErr != nil {
			msg = fmt.Sprintf("target introspection failed: %v", dstErr)
		}
		for _, name := range []string{CheckRowCount, CheckSchema, CheckIndexes, CheckConstraints} {
			result[name] = CheckOutcome{Status: VerificationFailed, Message: msg}
		}
		return result
	}

	result[CheckRowCount] = v.checkRowCounts(srcTables, dstTables)
	result[CheckSchema] = v.checkSchema(srcTables, dstTables)
	result[CheckIndexes] = v.checkIndexes(ctx, source, target, srcTables)
	result[CheckConstraints] = v.checkConstraints(ctx, target, dstTables)

	for name, outcome := range result {
		v.logger.Info("Verification check finished",
			zap.String("check", name),
			zap.String("status", string(outcome.Status)),
			zap.String("message", outcome.Message))
	}
	return result
}

func (*verifier) checkRowCounts(src, dst []gateway.TableInfo) CheckOutcome {
	dstCounts := make(map[string]int64, len(dst))
	for _, t := range dst {
		dstCounts[t.Name] = t.RowCount
	}

	var srcTotal, dstTotal int64
	for _, t := range src {
		srcTotal += t.RowCount
		if got, ok := dstCounts[t.Name]; !ok || got != t.RowCount {
			return CheckOutcome{
				Status: VerificationFailed,
				Message: fmt.Sprintf("table %s: source has %s rows, target has %s",
					t.Name, humanize.Comma(t.RowCount), humanize.Comma(got)),
			}
		}
	}
	for _, t := range dst {
		dstTotal += t.RowCount
	}
	return CheckOutcome{
		Status: VerificationPassed,
		Message: fmt.Sprintf("all tables match; %s rows on both sides",
			humanize.Comma(srcTotal)),
	}
}

func (*verifier) checkSchema(src, dst []gateway.TableInfo) CheckOutcome {
	dstNames := make(map[string]bool, len(dst))
	for _, t := range dst {
		dstNames[t.Name] = true
	}
	for _, t := range src {
		if !dstNames[t.Name] {
			return CheckOutcome{
				Status:  VerificationFailed,
				Message: fmt.Sprintf("table %s exists on source but not on target", t.Name),
			}
		}
	}
	if len(dst) > len(src) {
		return CheckOutcome{
			Status:  VerificationWarning,
			Message: fmt.Sprintf("target has %d extra table(s) not present on source", len(dst)-len(src)),
		}
	}
	return CheckOutcome{
		Status:  VerificationPassed,
		Message: fmt.Sprintf("table sets match (%d tables)", len(src)),
	}
}

func (*verifier) checkIndexes(ctx context.Context, source, target gateway.Gateway, tables []gateway.TableInfo) CheckOutcome {
	for _, t := range tables {
		srcIdx, err := source.ListIndexes(ctx, t.Name)
		if err != nil {
			return CheckOutcome{Status: VerificationFailed,
				Message: fmt.Sprintf("could not list source indexes of %s: %v", t.Name, err)}
		}
		dstIdx, err := target.ListIndexes(ctx, t.Name)
		if err != nil {
			return CheckOutcome{Status: VerificationFailed,
				Message: fmt.Sprintf("could not list target indexes of %s: %v", t.Name, err)}
		}
		dstSet := make(map[string]bool, len(dstIdx))
		for _, name := range dstIdx {
			dstSet[name] = true
		}
		for _, name := range srcIdx {
			if !dstSet[name] {
				return CheckOutcome{
					Status:  VerificationFailed,
					Message: fmt.Sprintf("index %s on %s missing from target after finalization", name, t.Name),
				}
			}
		}
	}
	return CheckOutcome{Status: VerificationPassed, Message: "all secondary indexes present on target"}
}

func (*verifier) checkConstraints(ctx context.Context, target gateway.Gateway, tables []gateway.TableInfo) CheckOutcome {
	var violations int64
	for _, t := range tables {
		n, err := target.CheckConstraints(ctx, t.Name)
		if err != nil {
			return CheckOutcome{Status: VerificationFailed,
				Message: fmt.Sprintf("constraint check on %s failed: %v", t.Name, err)}
		}
		violations += n
	}
	if violations > 0 {
		return CheckOutcome{
			Status:  VerificationFailed,
			Message: fmt.Sprintf("%d constraint violation(s) found on target", violations),
		}
	}
	return CheckOutcome{Status: VerificationPassed, Message: "no constraint violations on target"}
}
