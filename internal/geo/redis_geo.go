package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Directory using Redis GEO commands for positions and
// one hash per driver for the presence flags.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, key)
}

func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisGeo) Close() error {
	return r.client.Close()
}

func (r *RedisGeo) UpdatePosition(ctx context.Context, driverID string, p models.Point, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lng, Latitude: p.Lat, Name: driverID})
		pipe.HSet(ctx, metaKey(driverID), map[string]interface{}{
			"updated": at.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update position %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) SetOnline(ctx context.Context, driverID string, online bool) error {
	fields := map[string]interface{}{
		"online":  strconv.FormatBool(online),
		"updated": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !online {
		fields["available"] = "false"
	}
	if err := r.client.HSet(ctx, metaKey(driverID), fields).Err(); err != nil {
		return fmt.Errorf("redis set online %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) SetAvailable(ctx context.Context, driverID string, available bool) error {
	fields := map[string]interface{}{
		"available": strconv.FormatBool(available),
		"updated":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if available {
		fields["online"] = "true"
	}
	if err := r.client.HSet(ctx, metaKey(driverID), fields).Err(); err != nil {
		return fmt.Errorf("redis set available %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, driverID string) (models.Presence, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Presence{}, fmt.Errorf("redis get presence %s: %w", driverID, err)
	}
	if len(meta) == 0 {
		return models.Presence{}, ErrUnknownDriver
	}
	p := presenceFromMeta(driverID, meta)
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Presence{}, fmt.Errorf("redis get position %s: %w", driverID, err)
	}
	if len(pos) == 1 && pos[0] != nil {
		p.Position = models.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return p, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, p models.Point, radiusKm float64) ([]models.Presence, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range res {
			cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis presence lookup: %w", err)
	}

	out := make([]models.Presence, 0, len(res))
	for i, g := range res {
		d := presenceFromMeta(g.Name, cmds[i].Val())
		if !d.Online || !d.Available {
			continue
		}
		d.Position = models.Point{Lat: g.Latitude, Lng: g.Longitude}
		// GEOSEARCH works on geohash cells; re-check against the exact radius.
		if DistanceKm(p, d.Position) > radiusKm {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func presenceFromMeta(driverID string, m map[string]string) models.Presence {
	p := models.Presence{DriverID: driverID}
	p.Online = m["online"] == "true"
	p.Available = m["available"] == "true" && p.Online
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.UpdatedAt = t
		}
	}
	return p
}

func metaKey(id string) string { return "driver:meta:" + id }
