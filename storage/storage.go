package storage

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/songzhibin97/activity-flow/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

var validate = validator.New()

// Storage persists portable-form snapshots of definitions and instances.
// The workflow core never calls it; it backs workflow.Engine.
type Storage interface {
	// SaveDefinition stores a definition snapshot under its name.
	SaveDefinition(ctx context.Context, rec types.DefinitionRecord) error

	// GetDefinition retrieves a definition snapshot by name.
	GetDefinition(ctx context.Context, name string) (types.DefinitionRecord, error)

	// SaveInstance stores an instance snapshot under its id.
	SaveInstance(ctx context.Context, rec types.InstanceRecord) error

	// GetInstance retrieves an instance snapshot by id.
	GetInstance(ctx context.Context, id uint64) (types.InstanceRecord, error)

	// ClearCompleted deletes the snapshots of completed instances.
	ClearCompleted(ctx context.Context) error
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

func withContextError(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
