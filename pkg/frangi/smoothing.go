package frangi

import (
	"math"

	"fiberorient3d/pkg/volume"
)

// gaussianKernel builds a normalized 1D Gaussian kernel with support radius
// ceil(3*sigma), never smaller than 1.
func gaussianKernel(sigma float64) []float64 {
	radius := 1
	if sigma > 0 {
		if r := int(math.Ceil(3 * sigma)); r > radius {
			radius = r
		}
	}
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		var w float64
		if sigma > 0 {
			w = math.Exp(-float64(i*i) / (2 * sigma * sigma))
		} else if i == 0 {
			w = 1
		}
		k[i+radius] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// axis identifiers in (Z,Y,X) order.
const (
	axisZ = iota
	axisY
	axisX
)

// convolveAxis convolves data along one axis with a symmetric kernel,
// replicating edge values beyond the buffer. The input is not modified.
func convolveAxis(data []float64, ext volume.Index3, axis int, kernel []float64) []float64 {
	out := make([]float64, len(data))
	radius := len(kernel) / 2

	var length, stride int
	switch axis {
	case axisZ:
		length, stride = ext.Z, ext.Y*ext.X
	case axisY:
		length, stride = ext.Y, ext.X
	default:
		length, stride = ext.X, 1
	}

	for z := 0; z < ext.Z; z++ {
		for y := 0; y < ext.Y; y++ {
			for x := 0; x < ext.X; x++ {
				var pos int
				switch axis {
				case axisZ:
					pos = z
				case axisY:
					pos = y
				default:
					pos = x
				}
				base := (z*ext.Y+y)*ext.X + x
				acc := 0.0
				for k := -radius; k <= radius; k++ {
					p := pos + k
					if p < 0 {
						p = 0
					} else if p >= length {
						p = length - 1
					}
					acc += kernel[k+radius] * data[base+(p-pos)*stride]
				}
				out[base] = acc
			}
		}
	}
	return out
}

// gaussianSmooth3D applies a separable anisotropic Gaussian with per-axis
// standard deviations in voxel units.
func gaussianSmooth3D(data []float64, ext volume.Index3, sigma volume.Spacing) []float64 {
	out := convolveAxis(data, ext, axisZ, gaussianKernel(sigma.Z))
	out = convolveAxis(out, ext, axisY, gaussianKernel(sigma.Y))
	out = convolveAxis(out, ext, axisX, gaussianKernel(sigma.X))
	return out
}

// hessian3D computes the six independent entries of the 3x3 Hessian by
// central differences on the smoothed buffer, with edge replication and
// scale normalization (each entry multiplied by the product of the two
// axis standard deviations) so responses are comparable across scales.
func hessian3D(data []float64, ext volume.Index3, sigma volume.Spacing) (hzz, hyy, hxx, hzy, hzx, hyx []float64) {
	n := ext.NumVoxels()
	hzz = make([]float64, n)
	hyy = make([]float64, n)
	hxx = make([]float64, n)
	hzy = make([]float64, n)
	hzx = make([]float64, n)
	hyx = make([]float64, n)

	sz := math.Max(sigma.Z, 1)
	sy := math.Max(sigma.Y, 1)
	sx := math.Max(sigma.X, 1)

	at := func(z, y, x int) float64 {
		if z < 0 {
			z = 0
		} else if z >= ext.Z {
			z = ext.Z - 1
		}
		if y < 0 {
			y = 0
		} else if y >= ext.Y {
			y = ext.Y - 1
		}
		if x < 0 {
			x = 0
		} else if x >= ext.X {
			x = ext.X - 1
		}
		return data[(z*ext.Y+y)*ext.X+x]
	}

	for z := 0; z < ext.Z; z++ {
		for y := 0; y < ext.Y; y++ {
			for x := 0; x < ext.X; x++ {
				i := (z*ext.Y+y)*ext.X + x
				c := data[i]

				hzz[i] = sz * sz * (at(z+1, y, x) - 2*c + at(z-1, y, x))
				hyy[i] = sy * sy * (at(z, y+1, x) - 2*c + at(z, y-1, x))
				hxx[i] = sx * sx * (at(z, y, x+1) - 2*c + at(z, y, x-1))

				hzy[i] = sz * sy * (at(z+1, y+1, x) - at(z+1, y-1, x) -
					at(z-1, y+1, x) + at(z-1, y-1, x)) / 4
				hzx[i] = sz * sx * (at(z+1, y, x+1) - at(z+1, y, x-1) -
					at(z-1, y, x+1) + at(z-1, y, x-1)) / 4
				hyx[i] = sy * sx * (at(z, y+1, x+1) - at(z, y+1, x-1) -
					at(z, y-1, x+1) + at(z, y-1, x-1)) / 4
			}
		}
	}
	return
}
