package schema

import (
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"

	. "github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
)

type Execution struct {
	prefix Prefix
	serde  *serde.Serde
}

type RunningMarkers struct {
	PrefixT[model.RunningMarker]
}

type ExecutionRecords struct {
	PrefixT[model.ExecutionRecord]
}

type Misfires struct {
	PrefixT[model.Misfire]
}

// Running markers are bound to the session lease of the executing instance.
func (v Execution) Running() RunningMarkers {
	return RunningMarkers{PrefixT: NewTypedPrefix[model.RunningMarker](v.prefix.Add("running").Prefix(), v.serde)}
}

func (v Execution) Records() ExecutionRecords {
	return ExecutionRecords{PrefixT: NewTypedPrefix[model.ExecutionRecord](v.prefix.Add("record").Prefix(), v.serde)}
}

func (v Execution) Misfires() Misfires {
	return Misfires{PrefixT: NewTypedPrefix[model.Misfire](v.prefix.Add("misfire").Prefix(), v.serde)}
}

func (v RunningMarkers) ByItem(item int) KeyT[model.RunningMarker] {
	return v.Key(model.FormatItem(item))
}

func (v ExecutionRecords) ByItem(item int) KeyT[model.ExecutionRecord] {
	return v.Key(model.FormatItem(item))
}

func (v Misfires) ByItem(item int) KeyT[model.Misfire] {
	return v.Key(model.FormatItem(item))
}
