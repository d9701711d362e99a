package sharding

import (
	"slices"

	"github.com/ccoveille/go-safecast"
	"github.com/cespare/xxhash/v2"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// Strategy distributes items 0..total-1 to the instances.
// The result must be deterministic for the same input, each item is assigned to exactly one instance.
type Strategy interface {
	Name() definition.StrategyType
	Assign(jobName string, instances []model.InstanceID, total int) map[model.InstanceID][]int
}

type averageAllocation struct{}

type oddEven struct{}

type roundRobin struct{}

func NewStrategy(t definition.StrategyType) (Strategy, error) {
	switch t {
	case definition.StrategyAverageAllocation, "":
		return averageAllocation{}, nil
	case definition.StrategyOddEven:
		return oddEven{}, nil
	case definition.StrategyRoundRobin:
		return roundRobin{}, nil
	default:
		return nil, errors.Errorf(`unexpected sharding strategy "%s"`, t)
	}
}

func (averageAllocation) Name() definition.StrategyType {
	return definition.StrategyAverageAllocation
}

// Assign splits items to contiguous blocks, sizes of the blocks differ at most by one.
// The remainder is assigned to the first instances in the sorted order.
//
// For example, 3 instances and 8 items: [0 1 2] [3 4 5] [6 7].
func (averageAllocation) Assign(_ string, instances []model.InstanceID, total int) map[model.InstanceID][]int {
	sorted := slices.Clone(instances)
	slices.Sort(sorted)
	return allocate(sorted, total)
}

func (oddEven) Name() definition.StrategyType {
	return definition.StrategyOddEven
}

// Assign uses the ascending order of the instances if the hash of the job name is odd, otherwise the descending order.
// Jobs are so spread to different instances, if there are fewer items than instances.
func (oddEven) Assign(jobName string, instances []model.InstanceID, total int) map[model.InstanceID][]int {
	sorted := slices.Clone(instances)
	slices.Sort(sorted)
	if xxhash.Sum64String(jobName)%2 == 0 {
		slices.Reverse(sorted)
	}
	return allocate(sorted, total)
}

func (roundRobin) Name() definition.StrategyType {
	return definition.StrategyRoundRobin
}

// Assign rotates the sorted instances by the hash of the job name.
func (roundRobin) Assign(jobName string, instances []model.InstanceID, total int) map[model.InstanceID][]int {
	sorted := slices.Clone(instances)
	slices.Sort(sorted)
	if n := uint64(len(sorted)); n > 0 {
		if offset, err := safecast.ToInt(xxhash.Sum64String(jobName) % n); err == nil {
			sorted = slices.Concat(sorted[offset:], sorted[:offset])
		}
	}
	return allocate(sorted, total)
}

func allocate(instances []model.InstanceID, total int) map[model.InstanceID][]int {
	out := make(map[model.InstanceID][]int, len(instances))
	if len(instances) == 0 || total <= 0 {
		return out
	}

	size := total / len(instances)
	remainder := total % len(instances)
	item := 0
	for i, instance := range instances {
		count := size
		if i < remainder {
			count++
		}
		items := make([]int, 0, count)
		for range count {
			items = append(items, item)
			item++
		}
		out[instance] = items
	}
	return out
}

// owners converts the assignment to the owner of each item.
func owners(assignment map[model.InstanceID][]int) map[int]model.InstanceID {
	out := make(map[int]model.InstanceID)
	for instance, items := range assignment {
		for _, item := range items {
			out[item] = instance
		}
	}
	return out
}
