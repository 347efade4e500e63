package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arloop/arlink/internal/models"
)

// LinkCache keeps recently resolved links in memory so the hot path of a
// shared link does not hit the store on every visitor. Entries are evicted on
// owner mutation and on exhaustion; the view counter itself is never cached.
type LinkCache struct {
	c *lru.Cache[string, *models.Link]
}

func New(size int) (*LinkCache, error) {
	c, err := lru.New[string, *models.Link](size)
	if err != nil {
		return nil, err
	}
	return &LinkCache{c: c}, nil
}

func (lc *LinkCache) Get(id string) (*models.Link, bool) {
	return lc.c.Get(id)
}

func (lc *LinkCache) Set(id string, link *models.Link) {
	lc.c.Add(id, link)
}

func (lc *LinkCache) Invalidate(id string) {
	lc.c.Remove(id)
}
