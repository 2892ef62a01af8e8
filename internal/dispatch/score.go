package dispatch

import "github.com/ridecore/dispatch/internal/presence"

// ScoreInput is what the optional ranking function needs about one
// candidate driver. Rating and AcceptanceRate default to neutral values
// when a caller has no such history to offer.
type ScoreInput struct {
	Record         presence.Record
	DistKM         float64
	Rating         float64 // 0-5, 0 treated as unknown/neutral
	AcceptanceRate float64 // 0-1
}

const (
	maxScoringRadiusKM = 10.0
	maxScoringEtaSec   = 30 * 60
	avgCitySpeedKmh    = 25.0
)

// Score ranks a candidate using the same weighted blend of distance
// (40%), rating (30%), historical acceptance rate (20%), and ETA (10%)
// that a nearest-first match ignores. MatchNextDriver's default remains
// nearest-only; Score is an optional enhancement callers may opt into.
func Score(in ScoreInput) float64 {
	distanceScore := (1 - (in.DistKM / maxScoringRadiusKM)) * 40
	if distanceScore < 0 {
		distanceScore = 0
	}

	rating := in.Rating
	if rating <= 0 {
		rating = 4.5
	}
	ratingScore := (rating / 5.0) * 30

	acceptance := in.AcceptanceRate
	if acceptance <= 0 {
		acceptance = 0.9
	}
	acceptanceScore := acceptance * 20

	etaSeconds := (in.DistKM / avgCitySpeedKmh) * 3600
	etaScore := (1 - (etaSeconds / maxScoringEtaSec)) * 10
	if etaScore < 0 {
		etaScore = 0
	}

	return distanceScore + ratingScore + acceptanceScore + etaScore
}
