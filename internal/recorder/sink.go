package recorder

import (
	"context"

	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

// Sink persists transactions. Write reports written=false, err=nil when
// the row hash is already present.
type Sink interface {
	Name() string
	Write(ctx context.Context, tx *transaction.Transaction) (written bool, err error)
}

// Outcome classifies a sink write.
type Outcome string

const (
	OutcomeWritten   Outcome = "written"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Result is the outcome of writing one transaction to one sink.
type Result struct {
	Sink    string
	RowHash string
	Outcome Outcome
	Err     error
}

func resultOf(sink, rowHash string, written bool, err error) Result {
	r := Result{Sink: sink, RowHash: rowHash}
	switch {
	case err != nil:
		r.Outcome = OutcomeFailed
		r.Err = err
	case written:
		r.Outcome = OutcomeWritten
	default:
		r.Outcome = OutcomeDuplicate
	}
	return r
}
