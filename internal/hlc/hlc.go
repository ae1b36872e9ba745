// Package hlc provides the hybrid logical clock used to order transaction
// commands across nodes. A timestamp combines a physical wall-clock component
// (milliseconds) with a logical counter that disambiguates events sharing the
// same physical tick.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

type Timestamp struct {
	Physical int64  `json:"physical"`
	Logical  uint32 `json:"logical"`
}

func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

func (t Timestamp) IsZero() bool { return t.Physical == 0 && t.Logical == 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Physical, t.Logical)
}

type Clock struct {
	mu     sync.Mutex
	latest Timestamp

	nowMillis func() int64
}

func NewClock() *Clock {
	return &Clock{
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}
}

// Now returns a timestamp strictly greater than every timestamp previously
// produced or observed by this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowMillis()
	if wall > c.latest.Physical {
		c.latest = Timestamp{Physical: wall}
		return c.latest
	}

	c.latest.Logical++
	return c.latest
}

// Update advances the clock past a timestamp observed on a remote node and
// returns the new local timestamp.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowMillis()

	latest := c.latest
	if remote.Compare(latest) > 0 {
		latest = remote
	}

	if wall > latest.Physical {
		c.latest = Timestamp{Physical: wall}
	} else {
		c.latest = Timestamp{Physical: latest.Physical, Logical: latest.Logical + 1}
	}

	return c.latest
}
