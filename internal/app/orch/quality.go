package orch

type NetworkQuality string

const (
	QualityUnknown   NetworkQuality = ""
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
)

// QualityFor buckets a PING/PONG round trip in milliseconds.
func QualityFor(latencyMs int64) NetworkQuality {
	switch {
	case latencyMs < 0:
		return QualityUnknown
	case latencyMs < 50:
		return QualityExcellent
	case latencyMs < 100:
		return QualityGood
	case latencyMs < 200:
		return QualityFair
	default:
		return QualityPoor
	}
}
