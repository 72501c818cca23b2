package fleet

import (
	"sort"
	"strings"
)

// DetectClusters groups endpoints into effective cluster groups from their
// reported node sets. Endpoints whose node sets are set-equal and contain
// more than one node are treated as members of the same HA cluster; the
// group is identified by the smallest member endpoint ID. A single-node
// report never implies clustering, so a partitioned node that only sees
// itself cannot be falsely grouped. Endpoints outside any group (including
// those whose node set could not be fetched) map to their own ID.
//
// The result is derived purely from the current cycle's connectivity and
// is recomputed every cycle; nothing is carried between calls.
func DetectClusters(nodeSets map[int64][]string) map[int64]int64 {
	groups := make(map[int64]int64, len(nodeSets))
	byNodeSet := make(map[string][]int64)

	for id, nodes := range nodeSets {
		groups[id] = id
		set := canonicalNodeSet(nodes)
		if len(set) > 1 {
			key := strings.Join(set, "\n")
			byNodeSet[key] = append(byNodeSet[key], id)
		}
	}

	for _, members := range byNodeSet {
		if len(members) < 2 {
			continue
		}
		group := members[0]
		for _, id := range members[1:] {
			if id < group {
				group = id
			}
		}
		for _, id := range members {
			groups[id] = group
		}
	}

	return groups
}

// canonicalNodeSet returns the sorted, de-duplicated node names with
// empties dropped.
func canonicalNodeSet(nodes []string) []string {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
