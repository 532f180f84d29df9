package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/booth-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a metadata hash per
// rider, so Nearby can filter by status and apply the full tie-break order.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoWithClient wires an existing client, mainly for the consumer.
func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Rider) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.RiderID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.RiderID), map[string]interface{}{
		"status":         string(d.Status),
		"accepted_rides": d.AcceptedRides,
		"points_balance": d.PointsBalance,
		"banned":         strconv.FormatBool(d.Banned),
		"last_seen":      time.Now().Format(time.RFC3339),
	}).Err()
}

// Nearby searches the whole index (the business radius constraint is applied
// by the caller, not here) and filters/orders using the metadata hashes.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lon float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     halfEarthCircumferenceM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if models.RiderStatus(m["status"]) != models.RiderOnline || m["banned"] == "true" {
			continue
		}
		d := models.Rider{
			RiderID: g.Name,
			Status:  models.RiderOnline,
			Loc:     models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		}
		if v, ok := m["accepted_rides"]; ok {
			d.AcceptedRides, _ = strconv.Atoi(v)
		}
		if v, ok := m["points_balance"]; ok {
			d.PointsBalance, _ = strconv.ParseFloat(v, 64)
		}
		out = append(out, Candidate{Rider: d, Distance: g.Dist})
	}

	SortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GEOSEARCH has no "unbounded" radius; half the planet's circumference covers
// any pair of points.
const halfEarthCircumferenceM = 22000 * 1000

func metaKey(id string) string { return "rider:meta:" + id }
