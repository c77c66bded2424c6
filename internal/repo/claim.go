package repo

import (
	"context"

	"gorm.io/gorm"
)

type claimState int

const (
	// the row was inserted by this call
	claimInserted claimState = iota
	// an existing row is in a terminal state
	claimSettled
	// an existing row is owned by another writer
	claimHeld
	// an existing row was taken over through a conditional update
	claimReopened
)

// claimSpec parameterizes claimOrFetch for one entity.
type claimSpec[T any] struct {
	// fetch loads the row holding the conflicting key.
	fetch func(ctx context.Context, db *gorm.DB) (*T, error)
	// settled reports whether an existing row is terminal. nil treats every
	// existing row as terminal (create-once entities).
	settled func(row *T) bool
	// reopenable reports whether a non-settled row may be taken over.
	reopenable func(row *T) bool
	// reopen performs the take-over as a conditional update and updates row
	// in place. It reports false when another writer got there first.
	reopen func(ctx context.Context, db *gorm.DB, row *T) (bool, error)
}

type claimOutcome[T any] struct {
	state claimState
	row   *T
}

// claimOrFetch inserts row. When the insert collides with a unique key it
// loads the row holding that key and classifies it. The store's uniqueness
// constraint is the only source of exclusivity.
func claimOrFetch[T any](ctx context.Context, db *gorm.DB, row *T, spec claimSpec[T]) (claimOutcome[T], error) {
	err := db.WithContext(ctx).Create(row).Error
	if err == nil {
		return claimOutcome[T]{state: claimInserted, row: row}, nil
	}
	if !isUniqueViolation(err) {
		return claimOutcome[T]{}, err
	}

	existing, err := spec.fetch(ctx, db)
	if err != nil {
		return claimOutcome[T]{}, err
	}
	if spec.settled == nil || spec.settled(existing) {
		return claimOutcome[T]{state: claimSettled, row: existing}, nil
	}
	if spec.reopen == nil || (spec.reopenable != nil && !spec.reopenable(existing)) {
		return claimOutcome[T]{state: claimHeld, row: existing}, nil
	}

	ok, err := spec.reopen(ctx, db, existing)
	if err != nil {
		return claimOutcome[T]{}, err
	}
	if ok {
		return claimOutcome[T]{state: claimReopened, row: existing}, nil
	}

	// lost the conditional update; report whoever holds the row now
	current, err := spec.fetch(ctx, db)
	if err != nil {
		return claimOutcome[T]{}, err
	}
	if spec.settled != nil && spec.settled(current) {
		return claimOutcome[T]{state: claimSettled, row: current}, nil
	}
	return claimOutcome[T]{state: claimHeld, row: current}, nil
}
