package ledger

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator issues time-ordered snowflake ids for batches and transactions.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for the given node (0-1023). Every process
// writing to the same ledger needs its own node id.
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("ledger: snowflake node: %w", err)
	}
	return &IDGenerator{node: node}, nil
}

// Next returns the next id. Ids from one generator strictly increase.
func (g *IDGenerator) Next() int64 {
	return g.node.Generate().Int64()
}
