package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"
)

const (
	defaultStatusCacheTTL      = 30 * time.Second
	defaultStatusCacheEmptyTTL = 5 * time.Second
	statusCacheKeyPrefix       = "grading:submission:"
)

// StatusCache is a read-through cache of submission summaries.
type StatusCache struct {
	cache    cache.Cache
	subs     SubmissionRepository
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewStatusCache creates a status cache. A nil cache reads straight from the repository.
func NewStatusCache(cacheClient cache.Cache, subs SubmissionRepository, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = defaultStatusCacheTTL
	}
	return &StatusCache{
		cache:    cacheClient,
		subs:     subs,
		ttl:      ttl,
		emptyTTL: defaultStatusCacheEmptyTTL,
	}
}

// Get returns the summary of a submission.
func (s *StatusCache) Get(ctx context.Context, id int64) (*model.SubmissionSummary, error) {
	if s.cache == nil {
		return s.load(ctx, id)
	}
	summary, err := cache.GetWithCached[*model.SubmissionSummary](
		ctx,
		s.cache,
		StatusCacheKey(id),
		s.ttl,
		s.emptyTTL,
		func(summary *model.SubmissionSummary) bool { return summary == nil },
		marshalSummary,
		unmarshalSummary,
		func(ctx context.Context) (*model.SubmissionSummary, error) {
			summary, err := s.load(ctx, id)
			if err != nil {
				if pkgerrors.Is(err, pkgerrors.SubmissionNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return summary, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, pkgerrors.Newf(pkgerrors.SubmissionNotFound, "submission %d not found", id)
	}
	return summary, nil
}

// Update runs fn and then drops the cached summary of id.
func (s *StatusCache) Update(ctx context.Context, id int64, fn func(context.Context) error) error {
	if s.cache == nil {
		return fn(ctx)
	}
	return cache.UpdateCached(ctx, s.cache, StatusCacheKey(id), fn)
}

func (s *StatusCache) load(ctx context.Context, id int64) (*model.SubmissionSummary, error) {
	sub, err := s.subs.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return sub.Summary(), nil
}

// StatusCacheKey is the Redis key of a submission summary.
func StatusCacheKey(id int64) string {
	return statusCacheKeyPrefix + strconv.FormatInt(id, 10)
}

func marshalSummary(summary *model.SubmissionSummary) string {
	if summary == nil {
		return ""
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSummary(data string) (*model.SubmissionSummary, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var summary model.SubmissionSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
