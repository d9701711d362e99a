// Package operator provides the administrative operations over a job, used by the command line interface.
// The operator is not a job instance, it never campaigns and never executes items.
package operator

import (
	"context"
	"fmt"

	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/configstore"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/election"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/execution"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/failover"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/registry"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/sharding"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

const operatorID = model.InstanceID("operator")

type Operator struct {
	jobName  string
	logger   log.Logger
	client   *etcd.Client
	schema   schema.Job
	configs  *configstore.Store
	registry *registry.Registry
	elector  *election.Elector
	assignor *sharding.Assignor
	tracker  *execution.Tracker
	monitor  *failover.Monitor
}

// Status is a snapshot of the job state in the registry.
type Status struct {
	Config        definition.JobConfiguration  `json:"config"`
	Leader        model.InstanceID             `json:"leader,omitempty"`
	Instances     []model.Instance             `json:"instances"`
	Servers       map[string]model.ServerState `json:"servers"`
	Generation    *model.AssignmentGeneration  `json:"generation,omitempty"`
	Assignment    []model.Assignment           `json:"assignment"`
	Resharding    bool                         `json:"resharding"`
	DisabledItems []int                        `json:"disabledItems"`
	Running       map[int]model.RunningMarker  `json:"running"`
	Records       []model.ExecutionRecord      `json:"records"`
	Failovers     []model.FailoverRecord       `json:"failovers"`
}

// ActiveInstancesError is returned if the job cannot be removed, because some instance is running.
type ActiveInstancesError struct {
	JobName string
	Count   int
}

func (e ActiveInstancesError) Error() string {
	return fmt.Sprintf(`job "%s" has %d live instance(s), stop them first`, e.JobName, e.Count)
}

func New(d dependencies.ServiceScope, jobName string) *Operator {
	configs := configstore.New(d, jobName)
	reg := registry.New(d, jobName)
	elector := election.New(d, jobName, operatorID)
	assignor := sharding.New(d, jobName, configs, reg, elector)
	tracker := execution.New(d, jobName)
	return &Operator{
		jobName:  jobName,
		logger:   d.Logger().WithComponent("operator").With(attribute.String("job", jobName)),
		client:   d.EtcdClient(),
		schema:   d.Schema().Job(jobName),
		configs:  configs,
		registry: reg,
		elector:  elector,
		assignor: assignor,
		tracker:  tracker,
		monitor:  failover.New(d, jobName, configs, reg, assignor, tracker),
	}
}

// SetUp persists the job configuration, see configstore.Store.SetUp.
func (o *Operator) SetUp(ctx context.Context, cfg definition.JobConfiguration) (definition.JobConfiguration, error) {
	return o.configs.SetUp(ctx, cfg)
}

// Trigger requests an immediate execution from all live instances.
func (o *Operator) Trigger(ctx context.Context) ([]model.InstanceID, error) {
	instances, err := o.registry.LiveInstances(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.InstanceID
	for _, instance := range instances {
		if err := o.registry.RequestTrigger(ctx, instance.InstanceID); err != nil {
			return out, err
		}
		out = append(out, instance.InstanceID)
	}

	o.logger.Infof(ctx, `trigger requested from %d instance(s)`, len(out))
	return out, nil
}

// DisableServer excludes all instances on the host from the assignment.
func (o *Operator) DisableServer(ctx context.Context, host string) error {
	if err := o.registry.DisableServer(ctx, host); err != nil {
		return err
	}
	o.logger.Infof(ctx, `server "%s" disabled`, host)
	return o.assignor.SetReshardingFlag(ctx)
}

func (o *Operator) EnableServer(ctx context.Context, host string) error {
	if err := o.registry.EnableServer(ctx, host); err != nil {
		return err
	}
	o.logger.Infof(ctx, `server "%s" enabled`, host)
	return o.assignor.SetReshardingFlag(ctx)
}

func (o *Operator) DisableItem(ctx context.Context, item int) error {
	if err := o.checkItem(ctx, item); err != nil {
		return err
	}
	return o.assignor.DisableItem(ctx, item)
}

func (o *Operator) EnableItem(ctx context.Context, item int) error {
	return o.assignor.EnableItem(ctx, item)
}

// Reshard requests a new assignment, it is performed by the leader.
func (o *Operator) Reshard(ctx context.Context) error {
	return o.assignor.SetReshardingFlag(ctx)
}

// Remove deletes all keys of the job, it fails if some instance is still live.
func (o *Operator) Remove(ctx context.Context) error {
	instances, err := o.registry.LiveInstances(ctx)
	if err != nil {
		return err
	}
	if len(instances) > 0 {
		return ActiveInstancesError{JobName: o.jobName, Count: len(instances)}
	}

	deleted, err := o.schema.Prefix().DeleteAll(o.client).Do(ctx)
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}
	o.logger.Infof(ctx, `job removed, deleted %d keys`, deleted)
	return nil
}

// Status loads the current state of the job.
func (o *Operator) Status(ctx context.Context) (out Status, err error) {
	if out.Config, err = o.configs.Load(ctx, false); err != nil {
		return out, err
	}
	if leader, found, err := o.elector.LeaderID(ctx); err != nil {
		return out, err
	} else if found {
		out.Leader = leader
	}
	if out.Instances, err = o.registry.LiveInstances(ctx); err != nil {
		return out, err
	}
	if out.Servers, err = o.registry.Servers(ctx); err != nil {
		return out, err
	}
	if out.Generation, err = o.assignor.Generation(ctx); err != nil {
		return out, err
	}
	if out.Assignment, err = o.assignor.Assignment(ctx); err != nil {
		return out, err
	}
	if out.Resharding, err = o.assignor.IsReshardingNecessary(ctx); err != nil {
		return out, err
	}
	if out.DisabledItems, err = o.assignor.DisabledItems(ctx); err != nil {
		return out, err
	}
	if out.Running, err = o.tracker.RunningItems(ctx); err != nil {
		return out, err
	}
	if out.Records, err = o.tracker.Records(ctx); err != nil {
		return out, err
	}
	if out.Failovers, err = o.monitor.Records(ctx); err != nil {
		return out, err
	}
	return out, nil
}

func (o *Operator) checkItem(ctx context.Context, item int) error {
	cfg, err := o.configs.Load(ctx, false)
	if err != nil {
		return err
	}
	if item < 0 || item >= cfg.ShardingTotalCount {
		return errors.Errorf(`item %d is out of range, the job has %d items`, item, cfg.ShardingTotalCount)
	}
	return nil
}
