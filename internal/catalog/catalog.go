package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/manifest"
)

// Skill is one immutable catalog entry. A new version of an existing skill is
// a new row with the same slug, never a mutation of the old one.
type Skill struct {
	ID        string             `json:"id"`
	Slug      string             `json:"slug"`
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	Category  string             `json:"category"`
	Manifest  *manifest.Manifest `json:"manifest"`
	CreatedAt time.Time          `json:"created_at"`
}

// Query selects a marketplace page.
type Query struct {
	Category string `json:"category,omitempty"`
	Search   string `json:"search,omitempty"`
	Page     int    `json:"page"`
	PerPage  int    `json:"per_page"`
}

// CategoryCount is one category with its number of skills.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Page is one marketplace result page.
type Page struct {
	Skills     []*Skill        `json:"skills"`
	Categories []CategoryCount `json:"categories"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PerPage    int             `json:"per_page"`
}

// Lister is the store surface the catalog reads from. Only the newest version
// of each slug is listed.
type Lister interface {
	ListSkills(ctx context.Context, q Query) ([]*Skill, int, error)
	CountCategories(ctx context.Context) ([]CategoryCount, error)
}

// Service serves marketplace browsing with an optional Redis read-through
// cache in front of the store. A nil redis client disables caching; cache
// errors are logged and treated as misses so Redis is never load-bearing.
type Service struct {
	store    Lister
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewService creates a catalog service. cache may be nil.
func NewService(store Lister, cache *redis.Client, logger *zap.Logger) *Service {
	return &Service{store: store, cache: cache, cacheTTL: 30 * time.Second, logger: logger}
}

const cacheKeyPrefix = "ignition:marketplace:"

func cacheKey(q Query) string {
	return fmt.Sprintf("%s%s:%s:%d:%d", cacheKeyPrefix, q.Category, q.Search, q.Page, q.PerPage)
}

// Browse returns one marketplace page, from cache when possible.
func (s *Service) Browse(ctx context.Context, q Query) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 || q.PerPage > 100 {
		q.PerPage = 20
	}

	key := cacheKey(q)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key).Bytes(); err == nil {
			var page Page
			if json.Unmarshal(data, &page) == nil {
				return &page, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn("marketplace cache read failed", zap.Error(err))
		}
	}

	skills, total, err := s.store.ListSkills(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	cats, err := s.store.CountCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("count categories: %w", err)
	}
	page := &Page{
		Skills:     skills,
		Categories: cats,
		Total:      total,
		Page:       q.Page,
		PerPage:    q.PerPage,
	}

	if s.cache != nil {
		if data, err := json.Marshal(page); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cacheTTL).Err(); err != nil {
				s.logger.Warn("marketplace cache write failed", zap.Error(err))
			}
		}
	}
	return page, nil
}

// Invalidate drops all cached marketplace pages. Called after an import
// changes the catalog.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	iter := s.cache.Scan(ctx, 0, cacheKeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("marketplace cache scan failed", zap.Error(err))
		return
	}
	if len(keys) > 0 {
		if err := s.cache.Del(ctx, keys...).Err(); err != nil {
			s.logger.Warn("marketplace cache invalidation failed", zap.Error(err))
		}
	}
}
