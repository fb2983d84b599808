package index

import "math"

// DistanceFunc scores b against the query a. Smaller is closer in every
// space, so search ranks ascending regardless of the metric.
type DistanceFunc func(a, b []float32) float32

// distanceFunc resolves the metric of space once per search. Unknown spaces
// fall back to squared L2.
func distanceFunc(space SpaceType) DistanceFunc {
	switch space {
	case IPSpace:
		return negativeInnerProduct
	case CosSpace:
		return cosineDistance
	case HammingSpace:
		return hammingDistance
	default:
		return squaredL2
	}
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// negativeInnerProduct flips the sign so the largest product ranks first.
func negativeInnerProduct(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

// cosineDistance is 1 - cos(a, b); a zero vector is orthogonal to everything.
func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na)*float64(nb)))
}

// hammingDistance counts differing components.
func hammingDistance(a, b []float32) float32 {
	var n float32
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}
