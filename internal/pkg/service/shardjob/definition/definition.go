// Package definition contains the declarative configuration of a sharded job.
package definition

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/duration"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
	pkgValidator "github.com/keboola/keboola-shardjob/internal/pkg/validator"
)

type JobType string

const (
	TypeSimple   JobType = "SIMPLE"
	TypeScript   JobType = "SCRIPT"
	TypeDataflow JobType = "DATAFLOW"
	TypeHTTP     JobType = "HTTP"
)

type StrategyType string

const (
	StrategyAverageAllocation StrategyType = "AVG_ALLOCATION"
	StrategyOddEven           StrategyType = "ODD_EVEN"
	StrategyRoundRobin        StrategyType = "ROUND_ROBIN"
)

const (
	everyPrefix              = "@every "
	DefaultReconcileInterval = 30 * time.Second
)

// nolint: gochecknoglobals
var (
	jobNameRegexp    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]*$`)
	defaultValidator = sync.OnceValue(NewValidator)
)

// JobConfiguration is stored in the registry, it is modified only by an explicit set up.
type JobConfiguration struct {
	JobName                string            `json:"jobName" yaml:"jobName" validate:"required,jobName"`
	Type                   JobType           `json:"type" yaml:"type" validate:"required,oneof=SIMPLE SCRIPT DATAFLOW HTTP"`
	Schedule               string            `json:"schedule" yaml:"schedule" validate:"required,schedule"`
	ShardingTotalCount     int               `json:"shardingTotalCount" yaml:"shardingTotalCount" validate:"required,min=1,max=10000"`
	ShardingItemParameters string            `json:"shardingItemParameters,omitempty" yaml:"shardingItemParameters" validate:"itemParameters"`
	JobParameter           string            `json:"jobParameter,omitempty" yaml:"jobParameter"`
	Failover               bool              `json:"failover" yaml:"failover"`
	Misfire                bool              `json:"misfire" yaml:"misfire"`
	MonitorExecution       bool              `json:"monitorExecution" yaml:"monitorExecution"`
	ShardingStrategy       StrategyType      `json:"shardingStrategy,omitempty" yaml:"shardingStrategy" validate:"omitempty,oneof=AVG_ALLOCATION ODD_EVEN ROUND_ROBIN"`
	ReconcileInterval      duration.Duration `json:"reconcileInterval,omitempty" yaml:"reconcileInterval" validate:"min=0"`
	Description            string            `json:"description,omitempty" yaml:"description"`
	Disabled               bool              `json:"disabled" yaml:"disabled"`
	Overwrite              bool              `json:"overwrite" yaml:"overwrite"`
}

// New returns a configuration with default values.
func New(jobName string, schedule string, shardingTotalCount int) JobConfiguration {
	return JobConfiguration{
		JobName:            jobName,
		Type:               TypeSimple,
		Schedule:           schedule,
		ShardingTotalCount: shardingTotalCount,
		Misfire:            true,
		MonitorExecution:   true,
		ShardingStrategy:   StrategyAverageAllocation,
		ReconcileInterval:  duration.From(DefaultReconcileInterval),
	}
}

// Normalize fills default values of optional fields.
func (c *JobConfiguration) Normalize() {
	if c.Type == "" {
		c.Type = TypeSimple
	}
	if c.ShardingStrategy == "" {
		c.ShardingStrategy = StrategyAverageAllocation
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = duration.From(DefaultReconcileInterval)
	}
}

// Interval returns the trigger interval defined by the schedule.
// Supported formats are "@every <duration>" and a plain duration, for example "1m30s".
func (c JobConfiguration) Interval() (time.Duration, error) {
	return ParseSchedule(c.Schedule)
}

// Items returns all items of the job: 0..ShardingTotalCount-1.
func (c JobConfiguration) Items() []int {
	items := make([]int, c.ShardingTotalCount)
	for i := range items {
		items[i] = i
	}
	return items
}

// ItemParameters returns parameter of each item, items without a parameter are not present.
func (c JobConfiguration) ItemParameters() (map[int]string, error) {
	return ParseItemParameters(c.ShardingItemParameters)
}

// ShardingFingerprint is a hash of the fields affecting the sharding assignment.
// A change of the fingerprint means that a resharding is necessary.
func (c JobConfiguration) ShardingFingerprint() (uint64, error) {
	return hashstructure.Hash(struct {
		Total    int
		Strategy StrategyType
	}{Total: c.ShardingTotalCount, Strategy: c.ShardingStrategy}, hashstructure.FormatV2, nil)
}

func ParseSchedule(schedule string) (time.Duration, error) {
	value := strings.TrimSpace(schedule)
	value = strings.TrimSpace(strings.TrimPrefix(value, everyPrefix))
	interval, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Errorf(`invalid schedule "%s": expected "@every <duration>" or "<duration>"`, schedule)
	}
	if interval <= 0 {
		return 0, errors.Errorf(`invalid schedule "%s": interval must be positive`, schedule)
	}
	return interval, nil
}

// ParseItemParameters parses the "0=a,1=b" format.
func ParseItemParameters(value string) (map[int]string, error) {
	out := make(map[int]string)
	value = strings.TrimSpace(value)
	if value == "" {
		return out, nil
	}

	errs := errors.NewMultiError()
	for _, pair := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			errs.Append(errors.Errorf(`invalid item parameter "%s": expected "<item>=<value>"`, pair))
			continue
		}
		item, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || item < 0 {
			errs.Append(errors.Errorf(`invalid item parameter "%s": item must be a non-negative integer`, pair))
			continue
		}
		out[item] = strings.TrimSpace(v)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatItemParameters is the inverse of ParseItemParameters.
func FormatItemParameters(params map[int]string) string {
	items := make([]int, 0, len(params))
	for item := range params {
		items = append(items, item)
	}
	sort.Ints(items)

	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.Itoa(item))
		b.WriteString("=")
		b.WriteString(params[item])
	}
	return b.String()
}

// NewValidator returns the validator with rules used by the job configuration.
func NewValidator() *pkgValidator.Validator {
	return pkgValidator.New(
		pkgValidator.Rule{
			Tag: "jobName",
			Func: func(fl validator.FieldLevel) bool {
				return jobNameRegexp.MatchString(fl.Field().String())
			},
			ErrorMessage: "must contain only letters, numbers, dots, dashes and underscores",
		},
		pkgValidator.Rule{
			Tag: "schedule",
			Func: func(fl validator.FieldLevel) bool {
				_, err := ParseSchedule(fl.Field().String())
				return err == nil
			},
			ErrorMessage: `must be "@every <duration>" or "<duration>"`,
		},
		pkgValidator.Rule{
			Tag: "itemParameters",
			Func: func(fl validator.FieldLevel) bool {
				_, err := ParseItemParameters(fl.Field().String())
				return err == nil
			},
			ErrorMessage: `must be in the "<item>=<value>,..." format`,
		},
	)
}

// Validate checks the configuration.
func (c JobConfiguration) Validate(ctx context.Context) error {
	return defaultValidator().Validate(ctx, c)
}
