package schema

import (
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"

	. "github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
)

type Failover struct {
	prefix Prefix
	serde  *serde.Serde
}

type FailoverItems struct {
	PrefixT[model.FailoverRecord]
}

type FailoverRunning struct {
	PrefixT[model.RunningMarker]
}

func (v Failover) Items() FailoverItems {
	return FailoverItems{PrefixT: NewTypedPrefix[model.FailoverRecord](v.prefix.Add("items").Prefix(), v.serde)}
}

// Running markers of failover executions, bound to the session lease of the executing instance.
func (v Failover) Running() FailoverRunning {
	return FailoverRunning{PrefixT: NewTypedPrefix[model.RunningMarker](v.prefix.Add("running").Prefix(), v.serde)}
}

func (v FailoverItems) ByItem(item int) KeyT[model.FailoverRecord] {
	return v.Key(model.FormatItem(item))
}

func (v FailoverRunning) ByItem(item int) KeyT[model.RunningMarker] {
	return v.Key(model.FormatItem(item))
}
