package odf

import (
	"fmt"
	"math"

	"fiberorient3d/pkg/config"
)

// Real-valued symmetric spherical harmonics series expansion. Only even
// degrees contribute for orientation data (f(v) = f(-v)), so the basis runs
// over degrees 0, 2, ..., Degree with orders -n..n, giving
// (2*(d/2)+1)*((d/2)+1) coefficients for half-degree d.

// factorialLUT covers n <= 12, the largest factorial needed for degree 6.
var factorialLUT = [13]float64{
	1, 1, 2, 6, 24, 120, 720, 5040, 40320,
	362880, 3628800, 39916800, 479001600,
}

// NumCoeffs returns the number of coefficients of the expansion of the
// given even degree.
func NumCoeffs(degree int) int {
	h := degree / 2
	return (2*h + 1) * (h + 1)
}

// normFactor computes the normalization of the term of degree n, order m>=0.
func normFactor(n, m int) float64 {
	if m == 0 {
		return math.Sqrt(float64(2*n+1) / (4 * math.Pi))
	}
	sign := 1.0
	if m%2 != 0 {
		sign = -1
	}
	return sign * math.Sqrt2 * math.Sqrt(float64(2*n+1)/(4*math.Pi)*
		factorialLUT[n-m]/factorialLUT[n+m])
}

type harmonics struct {
	degree    int
	numCoeffs int

	// norm[n/2][m] holds the normalization factor for degree n, order m.
	norm [][]float64
}

func newHarmonics(degree int) (*harmonics, error) {
	if degree < 0 || degree%2 != 0 || degree > 6 {
		return nil, fmt.Errorf("%w: spherical harmonics degree must be an even number between 0 and 6, got %d",
			config.ErrConfiguration, degree)
	}
	h := &harmonics{degree: degree, numCoeffs: NumCoeffs(degree)}
	for n := 0; n <= degree; n += 2 {
		row := make([]float64, n+1)
		for m := 0; m <= n; m++ {
			row[m] = normFactor(n, m)
		}
		h.norm = append(h.norm, row)
	}
	return h, nil
}

// accumulate adds the basis evaluated at the orientation v (unit vector,
// components Z,Y,X) to the coefficient vector. The caller divides by the
// sample count afterwards.
func (h *harmonics) accumulate(v [3]float64, coeffs []float64) {
	phi := math.Atan2(v[1], v[2])
	cosT := v[0]
	if cosT > 1 {
		cosT = 1
	} else if cosT < -1 {
		cosT = -1
	}
	sinT := math.Sqrt(1 - cosT*cosT)

	i := 0
	for n := 0; n <= h.degree; n += 2 {
		nf := h.norm[n/2]
		for m := -n; m <= n; m++ {
			coeffs[i] += evalTerm(n, m, phi, sinT, cosT, nf)
			i++
		}
	}
}

// evalTerm evaluates one real spherical harmonic of even degree n <= 6.
func evalTerm(n, m int, phi, sinT, cosT float64, nf []float64) float64 {
	switch n {
	case 0:
		return nf[0]
	case 2:
		return degree2(m, phi, sinT, cosT, nf)
	case 4:
		return degree4(m, phi, sinT, cosT, nf)
	case 6:
		return degree6(m, phi, sinT, cosT, nf)
	}
	return 0
}

func degree2(m int, phi, sinT, cosT float64, nf []float64) float64 {
	switch m {
	case -2:
		return nf[2] * 3 * sinT * sinT * math.Sin(2*phi)
	case -1:
		return nf[1] * 3 * sinT * cosT * math.Sin(phi)
	case 0:
		return nf[0] * 0.5 * (3*cosT*cosT - 1)
	case 1:
		return nf[1] * 3 * sinT * cosT * math.Cos(phi)
	case 2:
		return nf[2] * 3 * sinT * sinT * math.Cos(2*phi)
	}
	return 0
}

func degree4(m int, phi, sinT, cosT float64, nf []float64) float64 {
	s2 := sinT * sinT
	c2 := cosT * cosT
	switch m {
	case -4:
		return nf[4] * 105 * s2 * s2 * math.Sin(4*phi)
	case -3:
		return nf[3] * 105 * s2 * sinT * cosT * math.Sin(3*phi)
	case -2:
		return nf[2] * 7.5 * s2 * (7*c2 - 1) * math.Sin(2*phi)
	case -1:
		return nf[1] * 2.5 * sinT * (7*c2*cosT - 3*cosT) * math.Sin(phi)
	case 0:
		return nf[0] * 0.125 * (35*c2*c2 - 30*c2 + 3)
	case 1:
		return nf[1] * 2.5 * sinT * (7*c2*cosT - 3*cosT) * math.Cos(phi)
	case 2:
		return nf[2] * 7.5 * s2 * (7*c2 - 1) * math.Cos(2*phi)
	case 3:
		return nf[3] * 105 * s2 * sinT * cosT * math.Cos(3*phi)
	case 4:
		return nf[4] * 105 * s2 * s2 * math.Cos(4*phi)
	}
	return 0
}

func degree6(m int, phi, sinT, cosT float64, nf []float64) float64 {
	s2 := sinT * sinT
	s3 := s2 * sinT
	c2 := cosT * cosT
	c3 := c2 * cosT
	c4 := c2 * c2
	c5 := c4 * cosT
	c6 := c4 * c2
	switch m {
	case -6:
		return nf[6] * 10395 * s3 * s3 * math.Sin(6*phi)
	case -5:
		return nf[5] * 10395 * s3 * s2 * cosT * math.Sin(5*phi)
	case -4:
		return nf[4] * 472.5 * s2 * s2 * (11*c2 - 1) * math.Sin(4*phi)
	case -3:
		return nf[3] * 157.5 * s3 * (11*c3 - 3*cosT) * math.Sin(3*phi)
	case -2:
		return nf[2] * 13.125 * s2 * (33*c4 - 18*c2 + 1) * math.Sin(2*phi)
	case -1:
		return nf[1] * 2.625 * sinT * (33*c5 - 30*c3 + 5*cosT) * math.Sin(phi)
	case 0:
		return nf[0] * 0.0625 * (231*c6 - 315*c4 + 105*c2 - 5)
	case 1:
		return nf[1] * 2.625 * sinT * (33*c5 - 30*c3 + 5*cosT) * math.Cos(phi)
	case 2:
		return nf[2] * 13.125 * s2 * (33*c4 - 18*c2 + 1) * math.Cos(2*phi)
	case 3:
		return nf[3] * 157.5 * s3 * (11*c3 - 3*cosT) * math.Cos(3*phi)
	case 4:
		return nf[4] * 472.5 * s2 * s2 * (11*c2 - 1) * math.Cos(4*phi)
	case 5:
		return nf[5] * 10395 * s3 * s2 * cosT * math.Cos(5*phi)
	case 6:
		return nf[6] * 10395 * s3 * s3 * math.Cos(6*phi)
	}
	return 0
}
