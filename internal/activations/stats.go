package activations

import (
	"math"
	"strconv"

	"github.com/samcharles93/grabber/internal/metrics"
)

// LayerStats summarises the activations of one requested layer over the real
// (unpadded) tokens of a result.
type LayerStats struct {
	Layer  int       `json:"layer"`
	Count  int       `json:"count"`
	Max    float32   `json:"max"`
	Min    float32   `json:"min"`
	Mean   float32   `json:"mean"`
	RMS    float32   `json:"rms"`
	Zeros  int       `json:"zeros"`
	NaNs   int       `json:"nans"`
	Infs   int       `json:"infs"`
	Sample []float32 `json:"sample,omitempty"`
}

// ComputeStats summarises data. NaN and Inf values are counted but left out
// of the min, max, mean and RMS.
func ComputeStats(data []float32, sampleSize int) LayerStats {
	var s LayerStats
	var sum, sq float64
	first := true
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			s.NaNs++
			continue
		case math.IsInf(f, 0):
			s.Infs++
			continue
		}
		if v == 0 {
			s.Zeros++
		}
		if first || v > s.Max {
			s.Max = v
		}
		if first || v < s.Min {
			s.Min = v
		}
		first = false
		sum += f
		sq += f * f
		s.Count++
	}
	if s.Count > 0 {
		s.Mean = float32(sum / float64(s.Count))
		s.RMS = float32(math.Sqrt(sq / float64(s.Count)))
	}
	if len(data) > 0 && sampleSize > 0 {
		step := max(len(data)/sampleSize, 1)
		for i := 0; i < sampleSize && i*step < len(data); i++ {
			s.Sample = append(s.Sample, data[i*step])
		}
	}
	return s
}

// Stats returns one LayerStats per entry of r.Layers, in order. Padding
// positions are skipped. NaN and Inf counts are reported to metrics.
func (g *Grabber) Stats(r *Result, sampleSize int) []LayerStats {
	shape := r.Activations.Shape()
	if len(shape) != 4 {
		return nil
	}
	B, L, T := shape[0], shape[1], shape[2]
	out := make([]LayerStats, L)
	for l := range L {
		var data []float32
		for b := range B {
			for t := range T {
				if b < len(r.AttentionMask) && r.AttentionMask[b][t] == 0 {
					continue
				}
				data = append(data, r.Activations.Vector(b, l, t)...)
			}
		}
		st := ComputeStats(data, sampleSize)
		st.Layer = r.Layers[l]
		metrics.RecordNumericalInstability(strconv.Itoa(st.Layer), st.NaNs, st.Infs)
		out[l] = st
	}
	return out
}
