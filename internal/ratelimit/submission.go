package ratelimit

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/settlement/internal/config"
)

const submissionKeyPrefix = "settlement:submissions:customer:"

// SubmissionLimiter caps transfer submissions per customer per hour.
// A nil limiter allows everything; callers fall back to counting rows.
type SubmissionLimiter struct {
	bucket   *Bucket
	settings *config.SettlementConfigHolder
}

func NewSubmissionLimiter(client *redis.Client, settings *config.SettlementConfigHolder) *SubmissionLimiter {
	bucket := NewBucket(client)
	if bucket == nil {
		return nil
	}
	return &SubmissionLimiter{bucket: bucket, settings: settings}
}

func (l *SubmissionLimiter) Allow(ctx context.Context, customerRef string) (bool, error) {
	if l == nil {
		return true, nil
	}
	perHour := l.settings.Get().SubmissionsPerHour
	decision, err := l.bucket.Take(ctx, submissionKey(customerRef), float64(perHour)/time.Hour.Seconds(), perHour)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

func submissionKey(customerRef string) string {
	return submissionKeyPrefix + strings.ToLower(strings.TrimSpace(customerRef))
}
