// Package crdt materializes the valid transactions of a CoValue into
// queryable structures: Map, List, Stream and PlainText.
//
// Every resolver consumes Source.ValidTransactions in resolution order
// (madeAt, sessionID, txIndex) and keeps a floor of the transactions it
// has seen, so later reads only process what is new. A transaction that
// sorts before the last one applied, or a change of the source
// generation, makes the resolver rebuild from scratch: the materialized
// state is always a pure function of the set of known transactions.
package crdt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/ir"
)

var (
	// ErrNoAuthor is returned by mutations on a read-only resolver.
	ErrNoAuthor = errors.New("resolver has no author")
	// ErrIndexOutOfRange is returned for list and text positions past the end.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrMultipleSessions is returned by Stream.SingleStream when more than
	// one session has written.
	ErrMultipleSessions = errors.New("stream has more than one session")
	// ErrWrongType is returned when a resolver is built for a header of
	// another type.
	ErrWrongType = errors.New("wrong value type")
)

// Source is the part of a core a resolver reads from and writes to.
// *core.Core implements it.
type Source interface {
	ID() ir.RawCoID
	Header() ir.CoValueHeader
	ValidTransactions(floor ir.SessionCounts) core.View
	MergedTxAlias(branchTx ir.TxID) (ir.TxID, bool)
	MakeTransaction(id core.Identity, changes ir.Array, meta ir.Object) (ir.Transaction, error)
}

// Option configures a resolver.
type Option func(*base)

// WithAuthor sets the identity mutations are written as. Without it the
// resolver is read-only.
func WithAuthor(id core.Identity) Option {
	return func(b *base) { b.author = &id }
}

// WithLogger sets the logger for skipped changes.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// base drives incremental resolution. The embedding resolver supplies
// reset and apply.
type base struct {
	mu     sync.Mutex
	src    Source
	author *core.Identity
	logger *slog.Logger

	built      bool
	covered    ir.SessionCounts
	generation uint64
	last       ir.ValidTransaction
	applied    int

	reset func()
	apply func(tx ir.ValidTransaction)
}

func newBase(src Source, want ir.CoValueType, opts []Option) (*base, error) {
	if got := src.Header().Type; got != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrWrongType, src.ID(), got, want)
	}
	b := &base{
		src:    src,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// refreshLocked brings the materialized state up to date. It reports
// whether anything changed.
func (b *base) refreshLocked() bool {
	if !b.built {
		b.rebuildLocked()
		return true
	}

	view := b.src.ValidTransactions(b.covered)
	if view.Generation != b.generation {
		b.rebuildLocked()
		return true
	}
	if len(view.Transactions) == 0 {
		b.covered = view.Covered
		return false
	}
	if b.applied > 0 && ir.CompareTransactions(view.Transactions[0], b.last) < 0 {
		// Late arrival sorts before state we already applied.
		b.rebuildLocked()
		return true
	}
	for _, tx := range view.Transactions {
		b.applyLocked(tx)
	}
	b.covered = view.Covered
	return true
}

func (b *base) rebuildLocked() {
	view := b.src.ValidTransactions(nil)
	b.reset()
	b.applied = 0
	for _, tx := range view.Transactions {
		b.applyLocked(tx)
	}
	b.covered = view.Covered
	b.generation = view.Generation
	b.built = true
}

func (b *base) applyLocked(tx ir.ValidTransaction) {
	b.apply(tx)
	b.last = tx
	b.applied++
}

// write authors one transaction and folds it into the state.
func (b *base) write(changes ir.Array) error {
	if b.author == nil {
		return ErrNoAuthor
	}
	if _, err := b.src.MakeTransaction(*b.author, changes, nil); err != nil {
		return fmt.Errorf("write %s: %w", b.src.ID(), err)
	}
	return nil
}

// ID returns the id of the resolved CoValue.
func (b *base) ID() ir.RawCoID { return b.src.ID() }

// Resolver is a materialized CoValue of any type.
type Resolver interface {
	ID() ir.RawCoID
	// Value returns the materialized JSON form.
	Value() ir.Value
}

// New returns the resolver matching the header type of src.
func New(src Source, opts ...Option) (Resolver, error) {
	switch t := src.Header().Type; t {
	case ir.TypeMap:
		return NewMap(src, opts...)
	case ir.TypeList:
		return NewList(src, opts...)
	case ir.TypeStream:
		return NewStream(src, opts...)
	case ir.TypePlainText:
		return NewPlainText(src, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrWrongType, t)
	}
}
