// Package datekey derives the day-bucket key a session is filed under.
// It is the only place in the engine allowed to turn an instant into a
// bucket key string; every other component takes the key it is given.
package datekey

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// BucketLayout is the calendar-date layout used for all bucket keys.
const BucketLayout = "2006-01-02"

// Scheme is the rule used to derive a bucket key from an instant.
type Scheme string

const (
	// SchemeUTC files sessions under the calendar date in UTC.
	SchemeUTC Scheme = "utc_date"
	// SchemeLocal files sessions under the calendar date in the user's
	// configured timezone.
	SchemeLocal Scheme = "local_date"
)

// ParseScheme validates a scheme string.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeUTC, SchemeLocal:
		return Scheme(s), nil
	default:
		return "", fmt.Errorf("invalid date scheme: %q (must be %s or %s)", s, SchemeUTC, SchemeLocal)
	}
}

const locationCacheSize = 32

// Config holds resolver settings.
type Config struct {
	Timezone       string
	Scheme         string // explicit override; empty means rollout decides
	RolloutPercent int
	AllowList      []string
}

// Resolver chooses the canonical date scheme for a user and derives bucket
// keys under either scheme. Bucket keys are always recomputed from the
// original instant, never from a previously serialized key.
type Resolver struct {
	mu        sync.RWMutex
	userID    string
	location  *time.Location
	override  Scheme // explicit selection, wins over rollout
	rollout   int
	allowList map[string]bool
	locations *lru.Cache[string, *time.Location]
	logger    zerolog.Logger
}

// NewResolver creates a resolver for one user.
func NewResolver(cfg Config, userID string, logger zerolog.Logger) (*Resolver, error) {
	locations, err := lru.New[string, *time.Location](locationCacheSize)
	if err != nil {
		return nil, err
	}

	allowList := make(map[string]bool, len(cfg.AllowList))
	for _, id := range cfg.AllowList {
		allowList[id] = true
	}

	r := &Resolver{
		userID:    userID,
		location:  time.UTC,
		rollout:   cfg.RolloutPercent,
		allowList: allowList,
		locations: locations,
		logger:    logger.With().Str("component", "date-key-resolver").Logger(),
	}

	if cfg.Timezone != "" {
		if err := r.SetTimezone(cfg.Timezone); err != nil {
			return nil, err
		}
	}

	if cfg.Scheme != "" {
		scheme, err := ParseScheme(cfg.Scheme)
		if err != nil {
			return nil, err
		}
		r.override = scheme
	}

	return r, nil
}

// BucketFor derives the bucket key for an instant under the given scheme.
func (r *Resolver) BucketFor(instant time.Time, scheme Scheme) string {
	switch scheme {
	case SchemeLocal:
		r.mu.RLock()
		loc := r.location
		r.mu.RUnlock()
		return instant.In(loc).Format(BucketLayout)
	default:
		return instant.UTC().Format(BucketLayout)
	}
}

// Bucket derives the bucket key for an instant under the canonical scheme.
func (r *Resolver) Bucket(instant time.Time) string {
	return r.BucketFor(instant, r.CanonicalScheme())
}

// CanonicalScheme returns the scheme all new writes use for this user.
// An explicit selection wins; otherwise the rollout flag decides, and a user
// stays on the same side of the rollout until the flag itself changes.
func (r *Resolver) CanonicalScheme() Scheme {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.override != "" {
		return r.override
	}
	if r.allowList[r.userID] {
		return SchemeLocal
	}
	if r.rollout > 0 && rolloutBucket(r.userID) < r.rollout {
		return SchemeLocal
	}
	return SchemeUTC
}

// SetScheme explicitly selects the canonical scheme for future writes.
func (r *Resolver) SetScheme(scheme Scheme) error {
	if _, err := ParseScheme(string(scheme)); err != nil {
		return err
	}

	r.mu.Lock()
	r.override = scheme
	r.mu.Unlock()

	r.logger.Info().Str("scheme", string(scheme)).Msg("Canonical date scheme selected")
	return nil
}

// SetTimezone selects the timezone used by the local-date scheme.
func (r *Resolver) SetTimezone(tz string) error {
	loc, ok := r.locations.Get(tz)
	if !ok {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		r.locations.Add(tz, loc)
	}

	r.mu.Lock()
	r.location = loc
	r.mu.Unlock()

	r.logger.Info().Str("timezone", tz).Msg("Timezone updated")
	return nil
}

// Timezone returns the name of the configured location.
func (r *Resolver) Timezone() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.location.String()
}

// Range enumerates the bucket keys from one key to another, inclusive.
func Range(fromBucket, toBucket string) ([]string, error) {
	from, err := time.Parse(BucketLayout, fromBucket)
	if err != nil {
		return nil, fmt.Errorf("invalid start bucket %q: %w", fromBucket, err)
	}

	to, err := time.Parse(BucketLayout, toBucket)
	if err != nil {
		return nil, fmt.Errorf("invalid end bucket %q: %w", toBucket, err)
	}

	if to.Before(from) {
		return nil, fmt.Errorf("range end %q precedes start %q", toBucket, fromBucket)
	}

	var buckets []string
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		buckets = append(buckets, day.Format(BucketLayout))
	}

	return buckets, nil
}

// rolloutBucket maps a user ID onto [0, 100) deterministically.
func rolloutBucket(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}
