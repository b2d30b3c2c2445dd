package session

import (
	"crypto/ecdh"
	"sync"
)

// KASKeyCache retains the long-lived public key of the key access service.
// The first key set wins; later sets are ignored, so the key a client trusts
// cannot silently change across reconnects. Construct one per trust domain
// and share it between clients that talk to the same service.
type KASKeyCache struct {
	mu  sync.Mutex
	key *ecdh.PublicKey
}

func NewKASKeyCache() *KASKeyCache {
	return &KASKeyCache{}
}

// Get returns the cached key, nil if none has been set.
func (c *KASKeyCache) Get() *ecdh.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Set stores k unless a key is already cached.
func (c *KASKeyCache) Set(k *ecdh.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		c.key = k
	}
}
