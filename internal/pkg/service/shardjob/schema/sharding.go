package schema

import (
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"

	. "github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
)

type Sharding struct {
	prefix Prefix
	serde  *serde.Serde
}

type Assignments struct {
	PrefixT[model.Assignment]
}

func (v Sharding) Generation() KeyT[model.AssignmentGeneration] {
	return NewTypedKey[model.AssignmentGeneration](v.prefix.Key("generation").Key(), v.serde)
}

func (v Sharding) Assignments() Assignments {
	return Assignments{PrefixT: NewTypedPrefix[model.Assignment](v.prefix.Add("assignment").Prefix(), v.serde)}
}

func (v Assignments) ByItem(item int) KeyT[model.Assignment] {
	return v.Key(model.FormatItem(item))
}

// Disabled items are skipped by the executor, the value is empty.
func (v Sharding) Disabled() Prefix {
	return v.prefix.Add("disabled")
}
