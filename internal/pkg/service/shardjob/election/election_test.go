package election_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/atomic"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/election"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
)

type candidate struct {
	id      model.InstanceID
	session *concurrency.Session
	elector *election.Elector
}

func TestElector_LeaderUniqueness(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	elected := atomic.NewInt64(0)
	var candidates []*candidate
	for i := range 3 {
		session, err := concurrency.NewSession(d.TestEtcdClient())
		require.NoError(t, err)
		defer session.Close()

		id := model.InstanceID(fmt.Sprintf("instance-%d", i))
		c := &candidate{id: id, session: session, elector: election.New(d, "my-job", id, election.WithOnElected(func(_ context.Context) {
			elected.Inc()
		}))}
		c.elector.Campaign(ctx, wg, session)
		candidates = append(candidates, c)
	}

	leader := waitForSingleLeader(t, candidates)
	leaderID, found, err := leader.elector.LeaderID(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, leader.id, leaderID)
	for _, c := range candidates {
		isLeader, err := c.elector.IsLeader(ctx, c.id)
		require.NoError(t, err)
		assert.Equal(t, c == leader, isLeader)
	}

	// Loss of the leader session elects exactly one new leader
	require.NoError(t, leader.session.Close())
	var rest []*candidate
	for _, c := range candidates {
		if c != leader {
			rest = append(rest, c)
		}
	}
	newLeader := waitForSingleLeader(t, rest)
	assert.NotEqual(t, leader.id, newLeader.id)
	assert.False(t, leader.elector.IsLocalLeader())
	assert.Eventually(t, func() bool { return elected.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Resign passes the leadership to the last candidate
	newLeader.elector.Resign(ctx)
	assert.False(t, newLeader.elector.IsLocalLeader())
	var last *candidate
	for _, c := range rest {
		if c != newLeader {
			last = c
		}
	}
	assert.Same(t, last, waitForSingleLeader(t, rest))

	leaderID, err = newLeader.elector.ElectIfAbsent(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.id, leaderID)
}

func TestElector_Fence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	client := d.TestEtcdClient()
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	session1, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session1.Close()
	session2, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session2.Close()

	e1 := election.New(d, "my-job", "instance-1")
	e2 := election.New(d, "my-job", "instance-2")

	// No campaign, the fence fails
	resp, err := client.Txn(ctx).If(e1.Fence()).Commit()
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)

	e1.Campaign(ctx, wg, session1)
	assert.Eventually(t, e1.IsLocalLeader, 10*time.Second, 10*time.Millisecond)
	e2.Campaign(ctx, wg, session2)

	resp, err = client.Txn(ctx).If(e1.Fence()).Commit()
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	resp, err = client.Txn(ctx).If(e2.Fence()).Commit()
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)

	// The old fence is invalid after the leadership change
	fence := e1.Fence()
	e1.Resign(ctx)
	assert.Eventually(t, e2.IsLocalLeader, 10*time.Second, 10*time.Millisecond)
	resp, err = client.Txn(ctx).If(fence).Commit()
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	resp, err = client.Txn(ctx).If(e2.Fence()).Commit()
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
}

func waitForSingleLeader(t *testing.T, candidates []*candidate) *candidate {
	t.Helper()

	var leader *candidate
	assert.Eventually(t, func() bool {
		leader = nil
		count := 0
		for _, c := range candidates {
			if c.elector.IsLocalLeader() {
				leader = c
				count++
			}
		}
		return count == 1
	}, 10*time.Second, 10*time.Millisecond)

	// The leadership is stable
	time.Sleep(200 * time.Millisecond)
	count := 0
	for _, c := range candidates {
		if c.elector.IsLocalLeader() {
			count++
		}
	}
	require.Equal(t, 1, count)
	require.NotNil(t, leader)
	return leader
}
