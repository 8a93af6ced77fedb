package quota

// UpdateRunningAverage folds one sample into a mean taken over oldCount
// samples. oldCount is the count before this sample is added.
func UpdateRunningAverage(oldAvg float64, oldCount int64, sample float64) float64 {
	if oldCount <= 0 {
		return sample
	}
	n := float64(oldCount)
	return (oldAvg*n + sample) / (n + 1)
}
