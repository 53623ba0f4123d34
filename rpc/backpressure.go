package rpc

import (
	"golang.org/x/sync/semaphore"

	"github.com/tunnelwire/capnp/config"
)

// outboundQueue bounds how much a Peer will let its counterpart fall
// behind in reading, per spec §5's "Backpressure": rather than spawning a
// goroutine and an unbounded channel, sends reserve weight from one or two
// semaphore.Weighted resources (message count, byte size) and release it
// once the transport reports the write has completed. A zero limit in
// config.OutboundQueueLimits means that dimension is unbounded.
type outboundQueue struct {
	countSem *semaphore.Weighted
	byteSem  *semaphore.Weighted
}

func newOutboundQueue(limits config.OutboundQueueLimits) *outboundQueue {
	q := &outboundQueue{}
	if limits.MaxCount > 0 {
		q.countSem = semaphore.NewWeighted(int64(limits.MaxCount))
	}
	if limits.MaxBytes > 0 {
		q.byteSem = semaphore.NewWeighted(int64(limits.MaxBytes))
	}
	return q
}

// reserve claims capacity for one outbound message of approximately size
// bytes, returning ErrQueueFull if either configured limit is already
// saturated. It never blocks: the peer's synchronous loop has nothing to
// yield to while waiting, so a full queue is reported to the caller instead
// (spec §5 leaves the backpressure response to the caller, e.g. delaying
// the next Call).
func (q *outboundQueue) reserve(size uint64) error {
	if q.countSem != nil && !q.countSem.TryAcquire(1) {
		return resourceErrorf("reserve", ErrQueueFull)
	}
	if q.byteSem != nil && !q.byteSem.TryAcquire(int64(size)) {
		if q.countSem != nil {
			q.countSem.Release(1)
		}
		return resourceErrorf("reserve", ErrQueueFull)
	}
	return nil
}

// release returns capacity reserved for a message of size bytes once the
// transport has reported that send as complete.
func (q *outboundQueue) release(size uint64) {
	if q.countSem != nil {
		q.countSem.Release(1)
	}
	if q.byteSem != nil {
		q.byteSem.Release(int64(size))
	}
}
