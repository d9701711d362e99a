// Package job defines the body of a sharded job.
package job

import (
	"context"
	"sort"
)

// ShardingContext is the input of one item execution.
type ShardingContext struct {
	JobName            string
	TaskID             string
	ShardingTotalCount int
	JobParameter       string
	Item               int
	ItemParameter      string
	Failover           bool
}

// ShardingContexts describes one execution of the job on one instance, for all local items.
type ShardingContexts struct {
	TaskID             string
	JobName            string
	ShardingTotalCount int
	JobParameter       string
	// ItemParameters contains all local items, the value is empty if the item has no parameter.
	ItemParameters map[int]string
	Failover       bool
}

// Result of one item execution.
// Payload is stored in the execution record.
type Result struct {
	Payload string
	Err     error
}

// Job is implemented by the user, Execute is called concurrently for each local item.
type Job interface {
	Execute(ctx context.Context, sc ShardingContext) Result
}

// Func adapts a function to the Job interface.
type Func func(ctx context.Context, sc ShardingContext) Result

func (f Func) Execute(ctx context.Context, sc ShardingContext) Result {
	return f(ctx, sc)
}

// Items returns the local items, sorted.
func (v ShardingContexts) Items() []int {
	out := make([]int, 0, len(v.ItemParameters))
	for item := range v.ItemParameters {
		out = append(out, item)
	}
	sort.Ints(out)
	return out
}

// ForItem returns the input of the item execution.
func (v ShardingContexts) ForItem(item int) ShardingContext {
	return ShardingContext{
		JobName:            v.JobName,
		TaskID:             v.TaskID,
		ShardingTotalCount: v.ShardingTotalCount,
		JobParameter:       v.JobParameter,
		Item:               item,
		ItemParameter:      v.ItemParameters[item],
		Failover:           v.Failover,
	}
}
