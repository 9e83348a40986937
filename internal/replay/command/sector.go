package command

import "math"

// Sector buckets map coordinates into an n x n grid and returns the
// row-major cell id. Points off the map clamp to the nearest edge cell;
// NaN and infinities go to cell 0.
func Sector(x, y float32, mapW, mapH, n int) int {
	if n <= 1 || mapW <= 0 || mapH <= 0 {
		return 0
	}
	fx, fy := float64(x), float64(y)
	if math.IsNaN(fx) || math.IsNaN(fy) || math.IsInf(fx, 0) || math.IsInf(fy, 0) {
		return 0
	}
	col := bucket(fx, mapW, n)
	row := bucket(fy, mapH, n)
	return row*n + col
}

func bucket(v float64, size, n int) int {
	f := math.Floor(v * float64(n) / float64(size))
	if f < 0 {
		return 0
	}
	if f >= float64(n) {
		return n - 1
	}
	return int(f)
}
