// Package listener defines callbacks around each execution of the job on an instance.
package listener

import (
	"context"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
)

// Listener is called on each instance, before and after the local items are executed.
// An error is logged, it doesn't stop the execution.
type Listener interface {
	BeforeExecuted(ctx context.Context, sc job.ShardingContexts) error
	AfterExecuted(ctx context.Context, sc job.ShardingContexts) error
}

// Funcs adapts functions to the Listener interface, nil functions are skipped.
type Funcs struct {
	Before func(ctx context.Context, sc job.ShardingContexts) error
	After  func(ctx context.Context, sc job.ShardingContexts) error
}

func (v Funcs) BeforeExecuted(ctx context.Context, sc job.ShardingContexts) error {
	if v.Before == nil {
		return nil
	}
	return v.Before(ctx, sc)
}

func (v Funcs) AfterExecuted(ctx context.Context, sc job.ShardingContexts) error {
	if v.After == nil {
		return nil
	}
	return v.After(ctx, sc)
}
