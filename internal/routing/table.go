package routing

import (
	"sort"
)

// Table is an immutable routing table snapshot. Its zone index and node map
// always describe the same replicas.
type Table struct {
	byID    map[string]ReplicaInfo
	byZone  map[string][]string
	ordered []ReplicaInfo
}

var emptyTable = &Table{
	byID:   map[string]ReplicaInfo{},
	byZone: map[string][]string{},
}

// NewTable validates replicas and builds a snapshot. When a node_id appears
// more than once the last occurrence wins.
func NewTable(replicas []ReplicaInfo) (*Table, error) {
	byID := make(map[string]ReplicaInfo, len(replicas))
	for _, r := range replicas {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		byID[r.NodeID] = r
	}

	ordered := make([]ReplicaInfo, 0, len(byID))
	for _, r := range byID {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].NodeID < ordered[j].NodeID
	})

	// Built from the survivors so an overwritten replica leaves no trace
	// in its old zone.
	byZone := make(map[string][]string)
	for _, r := range ordered {
		byZone[r.Zone] = append(byZone[r.Zone], r.NodeID)
	}

	return &Table{byID: byID, byZone: byZone, ordered: ordered}, nil
}

// Len returns the number of replicas.
func (t *Table) Len() int {
	return len(t.ordered)
}

// Replica returns the replica with the given node_id.
func (t *Table) Replica(nodeID string) (ReplicaInfo, bool) {
	r, ok := t.byID[nodeID]
	return r, ok
}

// Replicas returns all replicas ordered by node_id. The slice is a copy.
func (t *Table) Replicas() []ReplicaInfo {
	out := make([]ReplicaInfo, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// ZoneReplicas returns the node_ids in zone, ordered by node_id.
func (t *Table) ZoneReplicas(zone string) []string {
	ids := t.byZone[zone]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Zones returns every zone that has at least one replica, sorted.
func (t *Table) Zones() []string {
	zones := make([]string, 0, len(t.byZone))
	for z := range t.byZone {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones
}

// Healthy returns healthy replicas in node_id order.
func (t *Table) Healthy() []ReplicaInfo {
	out := make([]ReplicaInfo, 0, len(t.ordered))
	for _, r := range t.ordered {
		if r.Healthy {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the total, healthy and healthy-leader replica counts.
func (t *Table) Counts() (total, healthy, leaders int) {
	for _, r := range t.ordered {
		if !r.Healthy {
			continue
		}
		healthy++
		if r.IsLeader {
			leaders++
		}
	}
	return len(t.ordered), healthy, leaders
}
