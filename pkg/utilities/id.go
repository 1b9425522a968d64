package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// IDGenerator hands out snowflake ids from a single node. A snowflake node
// must be shared to keep its sequence monotonic, so callers keep one generator
// per process.
type IDGenerator struct {
	once   sync.Once
	nodeID int64
	node   *snowflake.Node
}

// NewIDGenerator returns a generator bound to nodeID. The node is created on
// first use; if nodeID is out of range the generator falls back to KSUIDs.
func NewIDGenerator(nodeID int64) *IDGenerator {
	return &IDGenerator{nodeID: nodeID}
}

// NodeFromEnv reads SNOWFLAKE_NODE, defaulting to node 1.
func NodeFromEnv() int64 {
	nodeEnv := os.Getenv("SNOWFLAKE_NODE")
	if nodeEnv == "" {
		return 1
	}
	nodeID, err := strconv.ParseInt(nodeEnv, 10, 64)
	if err != nil {
		return 1
	}
	return nodeID
}

// NewID returns the next snowflake id as a decimal string.
func (g *IDGenerator) NewID() string {
	g.once.Do(func() {
		node, err := snowflake.NewNode(g.nodeID)
		if err == nil {
			g.node = node
		}
	})
	if g.node == nil {
		return NewKSUID()
	}
	return g.node.Generate().String()
}
