package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pharmachain/pharmachain/pkg/hashchain"
)

// SensorKeyCache remembers sensor keys that already passed bcrypt, so a
// sensor posting every few seconds is not re-hashed on each request. Entries
// are keyed by the SHA-256 of the plaintext. A nil cache is disabled.
type SensorKeyCache struct {
	lru *expirable.LRU[string, Principal]
}

func NewSensorKeyCache(size int, ttl time.Duration) *SensorKeyCache {
	return &SensorKeyCache{lru: expirable.NewLRU[string, Principal](size, nil, ttl)}
}

func (c *SensorKeyCache) get(plaintext string) (*Principal, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := c.lru.Get(hashchain.Sum([]byte(plaintext)))
	if !ok {
		return nil, false
	}
	return &p, true
}

func (c *SensorKeyCache) add(plaintext string, p *Principal) {
	if c == nil {
		return
	}
	c.lru.Add(hashchain.Sum([]byte(plaintext)), *p)
}

// Forget drops the cached entries of a key. Revocation calls it so the key
// stops working on this instance immediately; other instances keep it until
// the entry expires.
func (c *SensorKeyCache) Forget(id uuid.UUID) {
	if c == nil {
		return
	}
	for _, k := range c.lru.Keys() {
		if p, ok := c.lru.Peek(k); ok && p.KeyID == id {
			c.lru.Remove(k)
		}
	}
}
