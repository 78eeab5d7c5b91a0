package cache

import (
	"errors"

	"burnbin/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Terminal remembers pastes that reached EXPIRED or DELETED so repeat
// requests are rejected without a database round trip. Terminal states never
// change, so a hit can never serve a stale answer. Misses always fall through
// to the store.
type Terminal struct {
	c *lru.Cache[string, domain.Status]
}

func NewTerminal(size int) (*Terminal, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, domain.Status](size)
	if err != nil {
		return nil, err
	}
	return &Terminal{c: c}, nil
}

func (t *Terminal) Get(id string) (domain.Status, bool) {
	return t.c.Get(id)
}

// Set ignores non-terminal statuses; only statuses with no outgoing
// transitions are safe to serve from memory.
func (t *Terminal) Set(id string, status domain.Status) {
	if !status.Terminal() {
		return
	}
	t.c.Add(id, status)
}

func (t *Terminal) Len() int {
	return t.c.Len()
}
