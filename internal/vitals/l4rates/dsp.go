package l4rates

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// SecondsPerMinute converts Hz to per-minute rates.
const SecondsPerMinute = 60.0

// ErrEmptyBand is returned when no spectrum bin falls inside the requested
// rate band.
var ErrEmptyBand = errors.New("l4rates: no spectrum bins inside rate band")

// Denoise removes the step a face re-detection introduces. At every index
// i > 0 flagged in rescan, the jump x[i]-x[i-1] is subtracted from x[i:].
// Jumps are measured on the input before any correction.
func Denoise(x []float64, rescan []bool) {
	if len(x) < 2 {
		return
	}
	diff := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		diff[i-1] = x[i] - x[i-1]
	}
	for i := 1; i < len(x) && i < len(rescan); i++ {
		if !rescan[i] {
			continue
		}
		floats.AddConst(-diff[i-1], x[i:])
	}
}

// Standardize rescales x in place to zero mean and unit population
// variance. A constant signal is only centred.
func Standardize(x []float64) {
	if len(x) == 0 {
		return
	}
	mean, std := stat.PopMeanStdDev(x, nil)
	floats.AddConst(-mean, x)
	if std > 0 && !math.IsNaN(std) {
		floats.Scale(1/std, x)
	}
}

// Detrend removes slow baseline drift with a smoothness-prior high-pass:
//
//	out = x - (I + λ²DᵀD)⁻¹ x
//
// where D is the second-difference operator. Larger λ leaves a smoother
// trend, so more low-frequency content survives.
func Detrend(x []float64, lambda float64) ([]float64, error) {
	n := len(x)
	if n == 0 {
		return nil, nil
	}
	l2 := lambda * lambda

	// I + λ²DᵀD is symmetric pentadiagonal.
	a := mat.NewSymBandDense(n, 2, nil)
	for i := 0; i < n; i++ {
		a.SetSymBand(i, i, 1)
	}
	d := [3]float64{1, -2, 1}
	for r := 0; r+2 < n; r++ {
		for p := 0; p < 3; p++ {
			for q := p; q < 3; q++ {
				i, j := r+p, r+q
				a.SetSymBand(i, j, a.At(i, j)+l2*d[p]*d[q])
			}
		}
	}

	var chol mat.BandCholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("detrend: matrix not positive definite (n=%d, lambda=%g)", n, lambda)
	}
	trend := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(trend, mat.NewVecDense(n, x)); err != nil {
		return nil, fmt.Errorf("detrend: %w", err)
	}
	out := make([]float64, n)
	floats.SubTo(out, x, trend.RawVector().Data)
	return out, nil
}

// MovingAverage applies a causal box filter of width kernel, passes times:
// y[j] = Σ_{k<kernel} x[j-k] / kernel, with samples before the start taken
// as zero.
func MovingAverage(x []float64, passes, kernel int) []float64 {
	out := append([]float64(nil), x...)
	if kernel < 1 {
		return out
	}
	tmp := make([]float64, len(x))
	w := 1 / float64(kernel)
	for p := 0; p < passes; p++ {
		for j := range out {
			sum := 0.0
			for k := 0; k < kernel && j-k >= 0; k++ {
				sum += out[j-k]
			}
			tmp[j] = sum * w
		}
		out, tmp = tmp, out
	}
	return out
}

// SmoothingKernel returns the moving-average width for a frame rate.
func SmoothingKernel(fps float64) int {
	return max(int(math.Floor(fps/6)), 2)
}

// Bandpass filters x through a second-order recursive band-pass with unit
// gain at the geometric centre of lowHz and highHz and -3 dB at both
// corners, in direct form II transposed.
func Bandpass(x []float64, lowHz, highHz, fps float64) []float64 {
	nyquist := fps / 2
	thetaLow := math.Pi * lowHz / nyquist
	thetaHigh := math.Pi * highHz / nyquist
	centre := math.Sqrt(thetaLow * thetaHigh)
	bandwidth := thetaHigh - thetaLow

	t := math.Tan(bandwidth / 2)
	beta := 0.5 * (1 - t) / (1 + t)
	gamma := (0.5 + beta) * math.Cos(centre)
	alpha := (0.5 - beta) / 2

	b := [3]float64{2 * alpha, 0, -2 * alpha}
	a := [3]float64{1, -2 * gamma, 2 * beta}

	out := make([]float64, len(x))
	var z0, z1 float64
	for i, v := range x {
		y := b[0]*v + z0
		z0 = b[1]*v + z1 - a[1]*y
		z1 = b[2]*v - a[2]*y
		out[i] = y
	}
	return out
}

// MagnitudeSpectrum returns |X[k]| for k = 0..len(x)/2 of the discrete
// Fourier transform of x.
func MagnitudeSpectrum(x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	coeffs := fourier.NewFFT(len(x)).Coefficients(nil, x)
	mag := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mag[i] = cmplx.Abs(c)
	}
	return mag
}

// BandIndices maps a rate band (per minute) onto the spectrum bins of an
// n-sample transform at fps whose rate lies inside the band.
func BandIndices(n int, fps, lowRate, highRate float64) (lo, hi int) {
	scale := float64(n) / SecondsPerMinute / fps
	lo = int(math.Ceil(lowRate * scale))
	hi = int(math.Floor(highRate * scale))
	return max(lo, 0), min(hi, n/2)
}

// PeakRate finds the strongest bin of spectrum within the rate band and
// returns its rate per minute. n is the transform length the spectrum was
// computed from.
func PeakRate(spectrum []float64, n int, fps, lowRate, highRate float64) (float64, error) {
	lo, hi := BandIndices(n, fps, lowRate, highRate)
	hi = min(hi, len(spectrum)-1)
	if lo > hi {
		return 0, fmt.Errorf("%w: [%g,%g] per minute over %d samples at %.2f fps", ErrEmptyBand, lowRate, highRate, n, fps)
	}
	peak := lo + floats.MaxIdx(spectrum[lo:hi+1])
	return float64(peak) * fps / float64(n) * SecondsPerMinute, nil
}
