package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/example/ambu-dispatch/internal/models"
	"github.com/example/ambu-dispatch/internal/observability"
)

// fallbackSpeedKmh is the assumed urban average used when the directions
// provider is absent or failing.
const fallbackSpeedKmh = 40.0

// Estimator turns coordinates into display-ready durations and distances.
// The primary path is the configured Directions provider; the fallback is a
// great-circle estimate at a fixed urban speed. Estimate never fails: a
// fallback value is policy, not an error path, because ETA here is advisory,
// not billing-critical.
type Estimator struct {
	directions Directions // nil means fallback-only
	cache      *Cache
	logger     *slog.Logger
}

// NewEstimator builds an estimator. directions may be nil (no API key
// configured); cache may be nil to disable memoization.
func NewEstimator(directions Directions, cache *Cache, logger *slog.Logger) *Estimator {
	return &Estimator{directions: directions, cache: cache, logger: logger}
}

// Estimate computes both legs of a ride from the driver's position. The
// result is cached under a key derived from all three endpoints rounded to
// six decimals; expired entries are never served.
func (e *Estimator) Estimate(ctx context.Context, origin, pickup, drop models.Coord) models.DirectionsResult {
	key := Key(origin, pickup, drop)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			observability.ETACacheHits.Inc()
			return v
		}
	}

	toPickupMin, pickupKm := e.leg(ctx, origin, pickup)
	toDropMin, dropKm := e.leg(ctx, pickup, drop)

	res := models.DirectionsResult{
		ToPickupMin:  toPickupMin,
		ToDropoffMin: toDropMin,
		PickupKm:     pickupKm,
		DropoffKm:    dropKm,
	}
	if e.cache != nil {
		e.cache.Set(key, res)
	}
	return res
}

// EstimateLeg computes a single leg, e.g. driver to pickup for the
// available-rides list. Same caching and fallback rules as Estimate.
func (e *Estimator) EstimateLeg(ctx context.Context, from, to models.Coord) (minutes int, km float64) {
	key := Key(from, to)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			observability.ETACacheHits.Inc()
			return v.ToPickupMin, v.PickupKm
		}
	}
	minutes, km = e.leg(ctx, from, to)
	if e.cache != nil {
		e.cache.Set(key, models.DirectionsResult{ToPickupMin: minutes, PickupKm: km})
	}
	return minutes, km
}

func (e *Estimator) leg(ctx context.Context, from, to models.Coord) (int, float64) {
	if e.directions != nil {
		if l, err := e.directions.Leg(ctx, from, to); err == nil {
			return minutesUp(l.Seconds / 60.0), roundKm(l.Meters / 1000.0)
		} else if e.logger != nil {
			e.logger.Debug("directions lookup failed, using fallback", "error", err)
		}
	}
	observability.ETAFallbacks.Inc()
	return FallbackLeg(from, to)
}

// FallbackLeg is the deterministic geometric estimate: haversine distance
// at a fixed urban speed, duration rounded up to the whole minute. Pure
// function of its inputs.
func FallbackLeg(from, to models.Coord) (minutes int, km float64) {
	meters := Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	rawKm := meters / 1000.0
	minutes = minutesUp(rawKm / (fallbackSpeedKmh / 60.0))
	return minutes, roundKm(rawKm)
}

func minutesUp(min float64) int {
	m := int(math.Ceil(min))
	if m < 0 {
		return 0
	}
	return m
}

func roundKm(km float64) float64 {
	return math.Round(km*10) / 10
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Key builds the cache key from coordinates rounded to six decimals, so
// inputs differing only beyond the sixth decimal share an entry.
func Key(coords ...models.Coord) string {
	parts := make([]string, 0, len(coords))
	for _, c := range coords {
		parts = append(parts, fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon))
	}
	return strings.Join(parts, "|")
}

// Cache is a tiny in-memory TTL cache for directions results. Entries older
// than the TTL are never returned; a miss or expiry always forces a fresh
// computation upstream.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  models.DirectionsResult
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func (c *Cache) Get(key string) (models.DirectionsResult, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return models.DirectionsResult{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return models.DirectionsResult{}, false
	}
	return e.v, true
}

func (c *Cache) Set(key string, v models.DirectionsResult) {
	c.mu.Lock()
	c.store[key] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}
