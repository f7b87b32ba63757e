package services

const DefaultAnomalyThreshold = 100

// AnomalyDetector flags upstream "successes" whose payload is the input
// echoed back. Byte-length proximity stands in for a real image diff.
type AnomalyDetector struct {
	threshold int
}

func NewAnomalyDetector(threshold int) *AnomalyDetector {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	return &AnomalyDetector{threshold: threshold}
}

func (d *AnomalyDetector) Threshold() int {
	return d.threshold
}

func (d *AnomalyDetector) IsUnchanged(original, generated []byte) bool {
	delta := len(generated) - len(original)
	if delta < 0 {
		delta = -delta
	}
	return delta < d.threshold
}
