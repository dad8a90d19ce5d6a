package queue

// Band is a coarse priority classification used for metrics bucketing.
// The fine-grained integer priority is authoritative for ordering; the
// band only labels the task in statistics and exported metrics.
type Band string

const (
	BandLow      Band = "low"
	BandNormal   Band = "normal"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// BandFor derives a band from an integer priority when the submitter did
// not label the task explicitly.
func BandFor(priority int) Band {
	switch {
	case priority < 0:
		return BandLow
	case priority < 10:
		return BandNormal
	case priority < 100:
		return BandHigh
	default:
		return BandCritical
	}
}

// Bands lists all bands in ascending order of urgency.
func Bands() []Band {
	return []Band{BandLow, BandNormal, BandHigh, BandCritical}
}
