package stats

import "sync/atomic"

type counter int64

func (c *counter) incr() {
	atomic.AddInt64((*int64)(c), 1)
}

func (c *counter) decr() {
	atomic.AddInt64((*int64)(c), -1)
}

func (c *counter) get() int64 {
	return atomic.LoadInt64((*int64)(c))
}
