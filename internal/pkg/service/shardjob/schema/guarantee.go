package schema

import (
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"

	. "github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
)

type Guarantee struct {
	prefix Prefix
	serde  *serde.Serde
}

// GuaranteeItems are counters of one barrier, started and completed never share them.
type GuaranteeItems struct {
	PrefixT[model.GuaranteeRecord]
}

func (v Guarantee) Started() GuaranteeItems {
	return GuaranteeItems{PrefixT: NewTypedPrefix[model.GuaranteeRecord](v.prefix.Add("started").Prefix(), v.serde)}
}

func (v Guarantee) Completed() GuaranteeItems {
	return GuaranteeItems{PrefixT: NewTypedPrefix[model.GuaranteeRecord](v.prefix.Add("completed").Prefix(), v.serde)}
}

// GuaranteeReleases contain the last release of each barrier, outside the counters.
type GuaranteeReleases struct {
	PrefixT[model.BarrierRelease]
}

func (v Guarantee) Released() GuaranteeReleases {
	return GuaranteeReleases{PrefixT: NewTypedPrefix[model.BarrierRelease](v.prefix.Add("released").Prefix(), v.serde)}
}

func (v GuaranteeReleases) Started() KeyT[model.BarrierRelease] {
	return v.Key("started")
}

func (v GuaranteeReleases) Completed() KeyT[model.BarrierRelease] {
	return v.Key("completed")
}

func (v GuaranteeItems) ByItem(item int) KeyT[model.GuaranteeRecord] {
	return v.Key(model.FormatItem(item))
}
