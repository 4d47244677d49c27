package boot

import "github.com/Kaperstone/hermitgo/kernel/sync"

// OnlineCounter counts the cores that completed their initialization. The
// zero value is a counter set to zero.
type OnlineCounter struct {
	lock  sync.Spinlock
	count uint32
}

// Increment adds one to the counter and returns the new value.
func (c *OnlineCounter) Increment() uint32 {
	c.lock.Acquire()
	c.count++
	v := c.count
	c.lock.Release()
	return v
}

// Load returns the current value of the counter.
func (c *OnlineCounter) Load() uint32 {
	c.lock.Acquire()
	v := c.count
	c.lock.Release()
	return v
}
