package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func memberAt(addr string, reach Reachability, joined time.Time) Member {
	return Member{Address: addr, Status: StatusUp, Reachability: reach, JoinedAt: joined}
}

func TestKeepMajority(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	members := []Member{
		memberAt("a", Reachable, now),
		memberAt("b", Reachable, now),
		memberAt("c", Unreachable, now),
	}

	survivors := KeepMajority{}.Resolve(members)
	require.ElementsMatch(t, []string{"a", "b"}, survivors)
}

func TestKeepMajorityTieKeepsNeither(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	members := []Member{
		memberAt("a", Reachable, now),
		memberAt("b", Unreachable, now),
	}

	require.Nil(t, KeepMajority{}.Resolve(members))
}

func TestKeepOldestSurvivesEarlierJoin(t *testing.T) {
	t.Parallel()

	older := time.Unix(1000, 0)
	newer := time.Unix(2000, 0)
	members := []Member{
		memberAt("old", Reachable, older),
		memberAt("new", Unreachable, newer),
	}

	require.Equal(t, []string{"old"}, KeepOldest{}.Resolve(members))
}

func TestStaticQuorumRequiresN(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	members := []Member{
		memberAt("a", Reachable, now),
		memberAt("b", Unreachable, now),
		memberAt("c", Unreachable, now),
	}

	require.Nil(t, StaticQuorum{N: 2}.Resolve(members))

	members[1].Reachability = Reachable
	require.ElementsMatch(t, []string{"a", "b"}, StaticQuorum{N: 2}.Resolve(members))
}

func TestLeaderIsOldestWithRole(t *testing.T) {
	t.Parallel()

	older := time.Unix(1000, 0)
	newer := time.Unix(2000, 0)
	members := []Member{
		{Address: "a", Status: StatusUp, Roles: []string{"shard"}, JoinedAt: newer},
		{Address: "b", Status: StatusUp, Roles: []string{"shard"}, JoinedAt: older},
		{Address: "c", Status: StatusUp, Roles: []string{"other"}, JoinedAt: older},
	}

	leader, ok := Leader(members, "shard")
	require.True(t, ok)
	require.Equal(t, "b", leader)
}

func TestLeaderNoCandidates(t *testing.T) {
	t.Parallel()

	_, ok := Leader(nil, "shard")
	require.False(t, ok)
}
