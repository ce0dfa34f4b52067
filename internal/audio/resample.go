package audio

import "math"

const (
	lowpassTaps = 31
	// Cutoff sits just under the target Nyquist so the transition band
	// stays inside the stopband of the telephony channel.
	lowpassCutoffRatio = 0.9
)

// Resample converts pcm from fromRate to toRate. Downsampling runs a
// windowed-sinc low-pass at the target Nyquist before interpolating so
// model-rate audio does not alias onto the telephony band. Upsampling
// interpolates directly. Same-rate input is returned as a copy.
func Resample(pcm []int16, fromRate, toRate int) []int16 {
	if len(pcm) == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}
	src := pcm
	if toRate < fromRate {
		cutoff := lowpassCutoffRatio * float64(toRate) / 2.0
		src = lowpass(pcm, fromRate, cutoff)
	}
	return interpolate(src, fromRate, toRate)
}

// lowpass applies a symmetric Blackman-windowed sinc FIR at cutoff Hz.
func lowpass(pcm []int16, rate int, cutoff float64) []int16 {
	taps := sincKernel(rate, cutoff)
	half := len(taps) / 2
	out := make([]int16, len(pcm))
	for i := range pcm {
		var acc float64
		for k, w := range taps {
			j := i + k - half
			if j < 0 {
				j = 0
			} else if j >= len(pcm) {
				j = len(pcm) - 1
			}
			acc += w * float64(pcm[j])
		}
		out[i] = clampSample(acc)
	}
	return out
}

func sincKernel(rate int, cutoff float64) []float64 {
	taps := make([]float64, lowpassTaps)
	half := lowpassTaps / 2
	fc := cutoff / float64(rate)
	var sum float64
	for i := range taps {
		n := float64(i - half)
		var v float64
		if n == 0 {
			v = 2 * fc
		} else {
			v = math.Sin(2*math.Pi*fc*n) / (math.Pi * n)
		}
		// Blackman window.
		x := float64(i) / float64(lowpassTaps-1)
		v *= 0.42 - 0.5*math.Cos(2*math.Pi*x) + 0.08*math.Cos(4*math.Pi*x)
		taps[i] = v
		sum += v
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

func interpolate(pcm []int16, fromRate, toRate int) []int16 {
	outLen := int(math.Round(float64(len(pcm)) * float64(toRate) / float64(fromRate)))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		v := float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac
		out[i] = clampSample(v)
	}
	return out
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}
