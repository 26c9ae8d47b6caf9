package fuel

import (
	"math"
	"time"
)

// FeatureVectorWidth is the fixed width of the drop feature vector
// consumed by the anomaly scorer. Fit and Score matrices must agree on
// this width.
const FeatureVectorWidth = 15

// DropFeatures is the fixed feature set extracted for one fuel-drop
// event. Recovery percentages are 0 until the lookahead is known.
type DropFeatures struct {
	DropPct         float64
	DropGallons     float64
	Stopped         bool
	Moving          bool
	StoppedMinutes  float64 // how long the vehicle had been stopped at drop time
	RecoveryPct1h   float64 // level recovered within 1h of the drop (0 if unknown)
	RecoveryPct3h   float64 // level recovered within 3h of the drop (0 if unknown)
	Volatility      float64 // sensor noisiness score at drop time
	DropRatePctMin  float64 // drop %/min over the interval that produced it
	ResultingPct    float64 // fuel level after the drop
	HourOfDay       int
	DayOfWeek       int
	AtRefuelSite    bool    // drop happened inside a known refuel geofence
	HomeBaseMeters  float64 // distance from home base (0 when unknown)
	SimilarDrops24h int     // drops of comparable size in the trailing 24h
}

// Vector flattens the features into the fixed-width float slice the
// scorer consumes. Booleans become 0/1.
func (f DropFeatures) Vector() []float64 {
	return []float64{
		f.DropPct,
		f.DropGallons,
		boolToFloat(f.Stopped),
		boolToFloat(f.Moving),
		f.StoppedMinutes,
		f.RecoveryPct1h,
		f.RecoveryPct3h,
		f.Volatility,
		f.DropRatePctMin,
		f.ResultingPct,
		float64(f.HourOfDay),
		float64(f.DayOfWeek),
		boolToFloat(f.AtRefuelSite),
		f.HomeBaseMeters,
		float64(f.SimilarDrops24h),
	}
}

// FeaturesFromEvent rebuilds the scorer features recoverable from a
// persisted drop event. Transient signals (volatility, stopped minutes,
// recovery lookahead) are not stored and stay zero; the drop shape,
// resulting level, and time of day are what the forest learns from.
func FeaturesFromEvent(e Event) DropFeatures {
	f := DropFeatures{
		DropPct:      e.BeforePct - e.AfterPct,
		DropGallons:  e.DropGallons,
		ResultingPct: e.AfterPct,
	}
	f.FillTimeOfDay(e.Timestamp)
	return f
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// FillTimeOfDay sets the hour/day features from a drop timestamp.
func (f *DropFeatures) FillTimeOfDay(ts time.Time) {
	f.HourOfDay = ts.Hour()
	f.DayOfWeek = int(ts.Weekday())
}

// FillGeo sets the geofence features from the drop coordinates and the
// vehicle's profile. Absent GPS leaves the zero values.
func (f *DropFeatures) FillGeo(lat, lon *float64, profile VehicleProfile) {
	if lat == nil || lon == nil {
		return
	}
	for _, site := range profile.RefuelLocations {
		if HaversineMeters(*lat, *lon, site.Latitude, site.Longitude) <= site.RadiusMeters {
			f.AtRefuelSite = true
			break
		}
	}
	if profile.HomeBase != nil {
		f.HomeBaseMeters = HaversineMeters(*lat, *lon, profile.HomeBase.Latitude, profile.HomeBase.Longitude)
	}
}

const earthRadiusMeters = 6371000

// HaversineMeters returns the great-circle distance between two
// lat/lon points in metres.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
