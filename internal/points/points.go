// Package points holds the ride reward formula and the review threshold
// routing rule.
package points

import "math"

const base = 10.0

// Calculate returns the points earned for a ride of the given distance in
// meters: 10 base points plus one point per 10 meters, rounded to 2 decimals.
func Calculate(distanceMeters float64) float64 {
	p := base + distanceMeters/10.0
	return math.Round(p*100) / 100
}

// NeedsReview reports whether the earned points must go through manual review
// instead of being credited immediately. Rides at exactly the threshold are
// auto-approved.
func NeedsReview(distanceMeters, thresholdMeters float64) bool {
	return distanceMeters > thresholdMeters
}
