package gojitter

const (
	PI = 3.1415926535897932  // Pi
	Re = 6378137.0           // WGS84 semi-major axis [m]
	Fe = 1.0 / 298.257223563 // WGS84 flattening

	NumXyzParams  = 3 // Scalars per trajectory position sample
	NumQuatParams = 4 // Scalars per trajectory quaternion sample
	PixelSize     = 2 // Scalars per pixel residual

	// Residual substituted when a projection is undefined for a perturbed
	// camera state. Keeps the numeric differentiation well-defined while
	// still penalizing the configuration. Don't make this too big.
	BigPixelValue = 1000.0
)
