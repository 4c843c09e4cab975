package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
	"github.com/pot-code/lesson-gate/internal/infrastructure/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "catalog:course:"

// CachedRepository read-through cache in front of another CatalogRepository
type CachedRepository struct {
	next   CatalogRepository
	kv     driver.KeyValueDB
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

var _ CatalogRepository = &CachedRepository{}

// NewCachedRepository cache courses from next in kv for ttl
func NewCachedRepository(next CatalogRepository, kv driver.KeyValueDB, ttl time.Duration, logger *zap.Logger) *CachedRepository {
	return &CachedRepository{
		next:   next,
		kv:     kv,
		ttl:    ttl,
		logger: logger,
	}
}

func (cr *CachedRepository) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	logger := logging.ExtractLoggerFromContext(ctx, cr.logger)
	key := cacheKeyPrefix + courseID

	raw, err := cr.kv.Get(ctx, key)
	if err == nil {
		course := new(Course)
		if err := json.Unmarshal([]byte(raw), course); err == nil {
			return course, nil
		}
		logger.Warn("drop corrupted catalog cache entry", zap.String("course.id", courseID))
	} else if !errors.Is(err, driver.ErrKeyNotFound) {
		// cache is optional, fall through to the source
		logger.Warn("catalog cache read failed", zap.String("course.id", courseID), zap.Error(err))
	}

	v, err, _ := cr.group.Do(courseID, func() (interface{}, error) {
		course, err := cr.next.GetCourse(ctx, courseID)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(course); err == nil {
			if err := cr.kv.SetEX(ctx, key, string(data), cr.ttl); err != nil {
				logger.Warn("catalog cache write failed", zap.String("course.id", courseID), zap.Error(err))
			}
		}
		return course, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Course), nil
}

// Invalidate drop cached copy of course
func (cr *CachedRepository) Invalidate(ctx context.Context, courseID string) error {
	return cr.kv.Del(ctx, cacheKeyPrefix+courseID)
}
