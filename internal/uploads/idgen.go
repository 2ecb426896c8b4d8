package uploads

import (
	"strconv"
	"sync/atomic"
	"time"
)

// IDGenerator hands out upload session ids that are unique for the life of
// the generator. Ids combine a coarse timestamp with a monotonically
// increasing counter; they are correlation tokens, not secrets.
type IDGenerator struct {
	counter atomic.Uint64
	now     func() time.Time
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return "upl-" + strconv.FormatInt(g.now().Unix(), 36) + "-" + strconv.FormatUint(n, 36)
}
