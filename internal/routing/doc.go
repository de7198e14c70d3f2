// Package routing selects the replica that should serve a query.
//
// # Routing Table
//
// The replica set is held in an immutable Table snapshot: a node_id index,
// a zone index, and all replicas ordered by node_id. Updates build a new
// Table off to the side and publish it with a single atomic pointer swap, so
// a routing decision always sees one whole table, never a mix of two.
//
// # Selection
//
// Only healthy replicas are candidates. Writes go to leaders only and are
// scored by
//
//	distance_km + load_score*100
//
// Everything else may go to any healthy replica and is scored by
//
//	distance_km + load_score*100 + latency_ms - 50 (leaders only)
//
// The lowest score wins. Candidates are visited in node_id order and only a
// strictly lower score replaces the current best, so ties resolve to the
// smallest node_id.
package routing
