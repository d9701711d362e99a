package schema

import (
	. "github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
)

type Leader struct {
	prefix Prefix
}

// Election is the prefix of the concurrency.Election, the lowest create revision wins.
func (v Leader) Election() Prefix {
	return v.prefix.Add("election")
}

// ReshardingNecessary is the persistent flag, it is deleted by the transaction which persists a new assignment.
func (v Leader) ReshardingNecessary() Key {
	return v.prefix.Add("sharding").Key("necessary")
}

// ShardingLock is the name of the distributed mutex serializing the resharding.
func (v Leader) ShardingLock() string {
	return v.prefix.Add("sharding").Add("lock").Prefix()
}

// FailoverLock is the name of the distributed mutex serializing the failover handling.
func (v Leader) FailoverLock() string {
	return v.prefix.Add("failover").Add("lock").Prefix()
}
