// Package schema defines the stable key layout of a job in the registry.
package schema

import (
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"

	. "github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
)

const rootPrefix = "shardjob"

type Schema struct {
	serde *serde.Serde
}

// Job is the root of all keys of one job.
type Job struct {
	prefix Prefix
	serde  *serde.Serde
}

func New(validate serde.ValidateFn) *Schema {
	return &Schema{serde: serde.NewJSON(validate)}
}

// Jobs returns the prefix of all jobs.
func (v *Schema) Jobs() Prefix {
	return NewPrefix(rootPrefix)
}

func (v *Schema) Job(jobName string) Job {
	return Job{prefix: v.Jobs().Add(jobName), serde: v.serde}
}

func (v Job) Prefix() Prefix {
	return v.prefix
}

func (v Job) Config() KeyT[definition.JobConfiguration] {
	return NewTypedKey[definition.JobConfiguration](v.prefix.Key("config").Key(), v.serde)
}

func (v Job) Servers() PrefixT[model.ServerState] {
	return NewTypedPrefix[model.ServerState](v.prefix.Add("servers").Prefix(), v.serde)
}

func (v Job) Instances() PrefixT[model.Instance] {
	return NewTypedPrefix[model.Instance](v.prefix.Add("instances").Prefix(), v.serde)
}

func (v Job) Triggers() PrefixT[model.TriggerRequest] {
	return NewTypedPrefix[model.TriggerRequest](v.prefix.Add("trigger").Prefix(), v.serde)
}

func (v Job) Leader() Leader {
	return Leader{prefix: v.prefix.Add("leader")}
}

func (v Job) Sharding() Sharding {
	return Sharding{prefix: v.prefix.Add("sharding"), serde: v.serde}
}

func (v Job) Execution() Execution {
	return Execution{prefix: v.prefix.Add("execution"), serde: v.serde}
}

func (v Job) Failover() Failover {
	return Failover{prefix: v.prefix.Add("failover"), serde: v.serde}
}

func (v Job) Guarantee() Guarantee {
	return Guarantee{prefix: v.prefix.Add("guarantee"), serde: v.serde}
}
