package checkpoint

// Sample down-samples a chronologically ordered series to every stride-th
// point plus the final point, so checkpoint state stays small regardless of
// run length. Order is preserved; a stride below 2 returns the input.
// Callers are expected to down-sample large series (equity curves, loss
// histories) before Save — the store itself never does.
func Sample[T any](points []T, stride int) []T {
	if stride < 2 || len(points) <= 1 {
		return points
	}

	out := make([]T, 0, len(points)/stride+2)
	for i := 0; i < len(points); i += stride {
		out = append(out, points[i])
	}

	// The final point always survives sampling
	last := len(points) - 1
	if last%stride != 0 {
		out = append(out, points[last])
	}
	return out
}

// SampleStride picks a stride that keeps a series under maxPoints samples.
func SampleStride(length, maxPoints int) int {
	if maxPoints <= 0 || length <= maxPoints {
		return 1
	}
	stride := length / maxPoints
	if length%maxPoints != 0 {
		stride++
	}
	return stride
}
