package resolver

import (
	"context"
	"encoding/json"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/patchverify/patchverify/pkg/vulndb"
	log "github.com/sirupsen/logrus"
)

// FeedStore persists serialized feeds across processes.
type FeedStore interface {
	LoadFeed(ctx context.Context, ecosystem, pkg, source string) ([]byte, bool, error)
	StoreFeed(ctx context.Context, ecosystem, pkg, source string, data []byte) error
}

// Cache keeps the last good feed per (ecosystem, package, source), in memory
// and optionally in a FeedStore.
type Cache struct {
	mem   *lru.Cache[string, *vulndb.Feed]
	store FeedStore
}

const defaultCacheSize = 512

// NewCache returns a cache holding up to size feeds in memory. store may be nil.
func NewCache(size int, store FeedStore) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	mem, err := lru.New[string, *vulndb.Feed](size)
	if err != nil {
		return nil, err
	}
	return &Cache{mem: mem, store: store}, nil
}

func cacheKey(ecosystem, pkg, source string) string {
	return strings.ToLower(ecosystem) + "\x00" + pkg + "\x00" + source
}

// Get returns the cached feed, consulting the store on a memory miss.
func (c *Cache) Get(ctx context.Context, ecosystem, pkg, source string) (*vulndb.Feed, bool) {
	key := cacheKey(ecosystem, pkg, source)
	if feed, ok := c.mem.Get(key); ok {
		return feed, true
	}
	if c.store == nil {
		return nil, false
	}
	data, ok, err := c.store.LoadFeed(ctx, strings.ToLower(ecosystem), pkg, source)
	if err != nil {
		log.Warnf("feed cache: load %s/%s from %s: %v", ecosystem, pkg, source, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var feed vulndb.Feed
	if err := json.Unmarshal(data, &feed); err != nil {
		log.Warnf("feed cache: corrupt entry for %s/%s from %s: %v", ecosystem, pkg, source, err)
		return nil, false
	}
	c.mem.Add(key, &feed)
	return &feed, true
}

// Put records a successful fetch.
func (c *Cache) Put(ctx context.Context, ecosystem, pkg string, feed *vulndb.Feed) {
	c.mem.Add(cacheKey(ecosystem, pkg, feed.Source), feed)
	if c.store == nil {
		return
	}
	data, err := json.Marshal(feed)
	if err != nil {
		log.Warnf("feed cache: encode %s/%s: %v", ecosystem, pkg, err)
		return
	}
	if err := c.store.StoreFeed(ctx, strings.ToLower(ecosystem), pkg, feed.Source, data); err != nil {
		log.Warnf("feed cache: store %s/%s from %s: %v", ecosystem, pkg, feed.Source, err)
	}
}
