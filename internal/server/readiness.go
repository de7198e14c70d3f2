package server

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoHealthyReplicas is reported by RoutingTableChecker while the routing
// table has nothing to route to.
var ErrNoHealthyReplicas = errors.New("routing table has no healthy replicas")

// TableCounter reports routing table sizes. routing.Engine implements it.
type TableCounter interface {
	Counts() (total, healthy, leaders int)
}

// RoutingTableChecker implements ReadinessChecker for the routing table.
// The sidecar is ready once the database engine has pushed a table with at
// least one healthy replica.
type RoutingTableChecker struct {
	table TableCounter
}

// NewRoutingTableChecker creates a new RoutingTableChecker.
func NewRoutingTableChecker(table TableCounter) *RoutingTableChecker {
	return &RoutingTableChecker{table: table}
}

// Name returns the name of this component for health status display.
func (c *RoutingTableChecker) Name() string {
	return "routing_table"
}

// CheckReady verifies the routing table has a healthy replica.
func (c *RoutingTableChecker) CheckReady(ctx context.Context) error {
	if c.table == nil {
		return errors.New("routing table not configured")
	}
	total, healthy, _ := c.table.Counts()
	if healthy == 0 {
		return fmt.Errorf("%w (%d replicas known)", ErrNoHealthyReplicas, total)
	}
	return nil
}
