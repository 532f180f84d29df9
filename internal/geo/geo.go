package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/booth-dispatch/internal/models"
)

// Candidate is a rider returned by a nearest-neighbor query, with the
// distance from the query point in meters.
type Candidate struct {
	Rider    models.Rider
	Distance float64
}

// Geo is the candidate index contract: online, non-banned riders ordered by
// ascending distance, then ascending accepted rides, then descending points
// balance. limit <= 0 means no limit.
type Geo interface {
	Nearby(ctx context.Context, lat, lon float64, limit int) ([]Candidate, error)
	Upsert(ctx context.Context, r models.Rider) error
}

// Index is an in-memory Geo for local runs and tests.
// In prod the Redis-backed index does this with GEOSEARCH.
type Index struct {
	mu     sync.RWMutex
	riders map[string]models.Rider
}

func NewIndex() *Index {
	return &Index{riders: make(map[string]models.Rider)}
}

func (g *Index) Upsert(ctx context.Context, r models.Rider) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.LastSeen = time.Now()
	g.riders[r.RiderID] = r
	return nil
}

func (g *Index) Remove(riderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.riders, riderID)
}

func (g *Index) Nearby(ctx context.Context, lat, lon float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	out := make([]Candidate, 0, len(g.riders))
	for _, r := range g.riders {
		if r.Status != models.RiderOnline || r.Banned {
			continue
		}
		out = append(out, Candidate{Rider: r, Distance: Haversine(lat, lon, r.Loc.Lat, r.Loc.Lon)})
	}
	g.mu.RUnlock()

	SortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortCandidates orders candidates by distance asc, acceptedRides asc
// (prefer less-loaded riders), pointsBalance desc.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Distance != cands[j].Distance {
			return cands[i].Distance < cands[j].Distance
		}
		if cands[i].Rider.AcceptedRides != cands[j].Rider.AcceptedRides {
			return cands[i].Rider.AcceptedRides < cands[j].Rider.AcceptedRides
		}
		return cands[i].Rider.PointsBalance > cands[j].Rider.PointsBalance
	})
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
