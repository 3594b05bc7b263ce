// Package snowflake allocates time-ordered order ids. Each gateway instance
// needs its own node id so ids never collide across instances.
package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in milliseconds.
	Epoch int64 = 1704067200000

	NodeBits uint8 = 10
	StepBits uint8 = 12

	MaxNode = -1 ^ (-1 << NodeBits)

	stepMask  = -1 ^ (-1 << StepBits)
	timeShift = NodeBits + StepBits
	nodeShift = StepBits
)

// IDGenerator ID generator using snowflake algorithm
type IDGenerator struct {
	mu     sync.Mutex
	now    func() time.Time
	last   int64
	nodeID int64
	step   int64
}

// NewIDGenerator creates a generator for one node.
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	if nodeID < 0 || nodeID > MaxNode {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", nodeID, MaxNode)
	}
	return &IDGenerator{nodeID: nodeID, now: time.Now}, nil
}

func (g *IDGenerator) millis() int64 {
	return g.now().UnixMilli()
}

// NextID returns the next id. If the clock steps backwards the generator
// keeps issuing from the last timestamp it saw, so ids stay monotonic.
func (g *IDGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.millis()
	if now < g.last {
		now = g.last
	}

	if now == g.last {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			// step exhausted; wait for the next millisecond
			for now <= g.last {
				time.Sleep(100 * time.Microsecond)
				now = g.millis()
			}
		}
	} else {
		g.step = 0
	}

	g.last = now
	return ((now - Epoch) << timeShift) | (g.nodeID << nodeShift) | g.step
}

// NextString returns the next id in decimal, the form used for order ids.
func (g *IDGenerator) NextString() string {
	return strconv.FormatInt(g.NextID(), 10)
}

// Parse splits an id into its timestamp, node and step.
func Parse(id int64) (ts time.Time, nodeID int64, step int64) {
	step = id & stepMask
	nodeID = (id >> nodeShift) & MaxNode
	ts = time.UnixMilli((id >> timeShift) + Epoch)
	return
}
