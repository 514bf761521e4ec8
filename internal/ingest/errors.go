package ingest

import (
	"errors"
	"fmt"
	"time"

	"StockLedger/internal/collector"
	"StockLedger/internal/dispatch"
	"StockLedger/internal/store"
)

// NotFoundError reports an operation on a symbol that was never registered.
type NotFoundError struct {
	Symbol string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("symbol %s not found", e.Symbol) }

func (e *NotFoundError) Unwrap() error { return store.ErrNotFound }

// DuplicateImportError reports a second InitialImport for a symbol.
type DuplicateImportError struct {
	Symbol      string
	CompletedAt time.Time
}

func (e *DuplicateImportError) Error() string {
	return fmt.Sprintf("initial import for %s already completed at %s",
		e.Symbol, e.CompletedAt.UTC().Format(time.RFC3339))
}

// FailureKind classifies a per-symbol failure for logging, metrics and alerts.
type FailureKind string

const (
	FailureNotFound        FailureKind = "not_found"
	FailureDuplicateImport FailureKind = "duplicate_import"
	FailureTransientFetch  FailureKind = "transient_fetch"
	FailureDataIntegrity   FailureKind = "data_integrity"
	FailureInternal        FailureKind = "internal"
)

// Classify maps err onto the failure taxonomy. nil maps to "".
func Classify(err error) FailureKind {
	var (
		nf  *NotFoundError
		dup *DuplicateImportError
		fe  *collector.FetchError
		ie  *collector.IntegrityError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &dup):
		return FailureDuplicateImport
	case errors.As(err, &nf), errors.Is(err, store.ErrNotFound):
		return FailureNotFound
	case errors.As(err, &ie):
		return FailureDataIntegrity
	case errors.As(err, &fe), dispatch.IsTemporary(err):
		return FailureTransientFetch
	default:
		return FailureInternal
	}
}
