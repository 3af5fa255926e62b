package checkpoint

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSample_LongSeries(t *testing.T) {
	points := make([]int, 35000)
	for i := range points {
		points[i] = i
	}

	stride := SampleStride(len(points), 500)
	sampled := Sample(points, stride)

	assert.LessOrEqual(t, len(sampled), 501, "bounded by the cap plus the final point")
	assert.Equal(t, 0, sampled[0])
	assert.Equal(t, 34999, sampled[len(sampled)-1], "final point always survives")

	for i := 1; i < len(sampled); i++ {
		assert.Greater(t, sampled[i], sampled[i-1], "order preserved")
	}
}

func TestSample_SmallInputsPassThrough(t *testing.T) {
	points := []float64{1.0, 2.0, 3.0}

	assert.Equal(t, points, Sample(points, 1))
	assert.Equal(t, points, Sample(points, 0))
	assert.Equal(t, []float64{5.5}, Sample([]float64{5.5}, 10))
	assert.Empty(t, Sample([]float64{}, 10))
}

func TestSample_NoDuplicateFinalPoint(t *testing.T) {
	// 末尾恰好落在采样步长上时不重复追加
	points := []int{0, 1, 2, 3, 4, 5, 6}
	sampled := Sample(points, 3)
	assert.Equal(t, []int{0, 3, 6}, sampled)
}

func TestSampleStride(t *testing.T) {
	assert.Equal(t, 1, SampleStride(100, 500))
	assert.Equal(t, 1, SampleStride(500, 500))
	assert.Equal(t, 2, SampleStride(501, 500))
	assert.Equal(t, 70, SampleStride(35000, 500))
	assert.Equal(t, 1, SampleStride(100, 0))
}

func TestSample_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sampled series is a bounded ordered subsequence ending in the final point", prop.ForAll(
		func(n, maxPoints int) bool {
			points := make([]int, n)
			for i := range points {
				points[i] = i
			}
			sampled := Sample(points, SampleStride(n, maxPoints))
			if len(sampled) > maxPoints+1 {
				return false
			}
			if n > 0 && sampled[len(sampled)-1] != n-1 {
				return false
			}
			for i := 1; i < len(sampled); i++ {
				if sampled[i] <= sampled[i-1] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10000),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}
