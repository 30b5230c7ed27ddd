package surface

import "math"

func multiply(a, b Matrix) Matrix {
	return Matrix{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

func translation(x, y float64) Matrix {
	return Matrix{1, 0, x, 0, 1, y}
}

func scaling(x, y float64) Matrix {
	return Matrix{x, 0, 0, 0, y, 0}
}

// rotation is clockwise in y-down space. Quarter turns are exact so that
// axis-aligned draws never pick up rounding noise.
func rotation(degrees float64) Matrix {
	var sin, cos float64
	switch q := math.Mod(degrees, 360); {
	case q < 0:
		return rotation(q + 360)
	case q == 0:
		sin, cos = 0, 1
	case q == 90:
		sin, cos = 1, 0
	case q == 180:
		sin, cos = 0, -1
	case q == 270:
		sin, cos = -1, 0
	default:
		sin, cos = math.Sincos(q * math.Pi / 180)
	}
	return Matrix{cos, -sin, 0, sin, cos, 0}
}
