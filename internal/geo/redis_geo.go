package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sharing/internal/models"
)

// RedisGeo implements DriverIndex on Redis GEO commands so multiple matching
// nodes share one driver index. Driver metadata (rating, status, trip count)
// lives in a hash next to the geo set.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"status":  d.Status,
		"trips":   strconv.Itoa(d.TripsCompleted),
		"vehicle": d.VehicleClass,
		"gender":  d.Gender,
		"updated": updated.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) SetStatus(driverID, status string) {
	_ = r.client.HSet(r.ctx, metaKey(driverID), "status", status).Err()
}

func (r *RedisGeo) Nearby(center models.Coord, radiusM float64, limit int) []models.Driver {
	res, err := r.client.GeoRadius(r.ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lon: g.Longitude, Lat: g.Latitude}}
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
			if v, ok := m["trips"]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					d.TripsCompleted = n
				}
			}
			d.Status = m["status"]
			d.VehicleClass = m["vehicle"]
			d.Gender = m["gender"]
			if v, ok := m["updated"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					d.Updated = t
				}
			}
		}
		if d.Status != models.DriverAvailable {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
