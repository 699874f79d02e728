package service

import "sync"

const lockStripes = 64

// keyedMutex serializes work per recipient using a fixed set of stripes.
// Unrelated recipients may share a stripe; that only costs throughput.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyedMutex) Lock(recipientID int64) (unlock func()) {
	m := &k.stripes[uint64(recipientID)%lockStripes]
	m.Lock()
	return m.Unlock
}
