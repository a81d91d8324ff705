package cluster

import "sort"

// Leader returns the address of the oldest Up member carrying role, the
// deterministic election rule the shard coordinator singleton uses to pick
// which node hosts it. Returns "", false if no member carries role.
func Leader(members []Member, role string) (string, bool) {
	var candidates []Member
	for _, m := range members {
		if m.Status == StatusUp && m.hasRole(role) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].JoinedAt.Before(candidates[j].JoinedAt)
	})
	return candidates[0].Address, true
}
