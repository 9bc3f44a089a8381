package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gpt-tgbot-go/internal/config"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Service defines completion-response cache operations
type Service interface {
	Get(ctx context.Context, question, model string) (string, bool)
	Set(ctx context.Context, question, model, answer string) error
	Clear(ctx context.Context) error
}

// Cache implements the caching service on go-cache
type Cache struct {
	enabled bool
	cache   *cache.Cache
	logger  *logrus.Logger
	maxSize int
}

// NewCache creates a new cache service
func NewCache(cfg *config.CacheConfig, logger *logrus.Logger) Service {
	if !cfg.Enabled {
		return &Cache{enabled: false}
	}

	return &Cache{
		enabled: true,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
		maxSize: cfg.MaxSize,
	}
}

// Get retrieves a cached response
func (c *Cache) Get(ctx context.Context, question, model string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	key := c.generateKey(question, model)
	if val, found := c.cache.Get(key); found {
		c.logger.WithField("model", model).Debug("Response cache hit")
		return val.(string), true
	}

	return "", false
}

// Set stores a response in cache
func (c *Cache) Set(ctx context.Context, question, model, answer string) error {
	if !c.enabled {
		return nil
	}

	if c.cache.ItemCount() >= c.maxSize {
		c.logger.Warn("Cache size limit reached, clearing expired entries")
		c.cache.DeleteExpired()
	}

	c.cache.SetDefault(c.generateKey(question, model), answer)

	return nil
}

// Clear removes all cached entries
func (c *Cache) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	c.cache.Flush()
	c.logger.Info("Response cache cleared")
	return nil
}

func (c *Cache) generateKey(question, model string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", model, question)))
	return hex.EncodeToString(hash[:])
}
