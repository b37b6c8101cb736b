package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sharing/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo    int // number of times to fail GeoAdd before succeeding
	failH      int // number of times to fail HSet before succeeding
	geoCalls   int
	hCalls     int
	storedTime string // value returned from HGet for the "updated" field
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	if v, ok := values["updated"].(string); ok {
		f.storedTime = v
	}
	return nil
}

func (f *fakeUpdater) HGet(ctx context.Context, key, field string) (string, error) {
	return f.storedTime, nil
}

func driverReport(ts time.Time) *models.Driver {
	return &models.Driver{
		ID:      "d1",
		Loc:     models.Coord{Lon: 31.23, Lat: 30.04},
		Status:  models.DriverAvailable,
		Rating:  4.5,
		Updated: ts,
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", driverReport(time.Now()), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", driverReport(time.Now()), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateRedisWithRetry_DropsStaleReports(t *testing.T) {
	f := &fakeUpdater{}
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	if err := updateRedisWithRetry(ctx, f, "drivers_geo", driverReport(now), 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	// an older report must be rejected without touching redis
	geoCalls := f.geoCalls
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", driverReport(now.Add(-time.Minute)), 3, time.Millisecond); !errors.Is(err, errStale) {
		t.Fatalf("expected errStale, got %v", err)
	}
	if f.geoCalls != geoCalls {
		t.Fatal("stale report must not write to redis")
	}
	// an exact replay is also dropped
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", driverReport(now), 3, time.Millisecond); !errors.Is(err, errStale) {
		t.Fatalf("expected errStale for replay, got %v", err)
	}
	// a newer report goes through
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", driverReport(now.Add(time.Minute)), 3, time.Millisecond); err != nil {
		t.Fatalf("newer report should succeed, got %v", err)
	}
}
