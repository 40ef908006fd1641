package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/grabber/internal/tensor"
)

// ropeInvFreqForConfig returns the rotary inverse frequencies for headDim,
// with any rope_scaling applied.
func ropeInvFreqForConfig(cfg *hfConfig, headDim int) ([]float64, error) {
	base := cfg.RopeTheta
	if base <= 0 {
		base = 10_000
	}
	invFreq := tensor.RoPEInvFreq(headDim, base)
	rs := cfg.RopeScaling
	if rs == nil {
		return invFreq, nil
	}

	ropeType := strings.ToLower(strings.TrimSpace(rs.RopeType))
	if ropeType == "" {
		ropeType = strings.ToLower(strings.TrimSpace(rs.Type))
	}
	factor := rs.Factor
	if factor <= 0 {
		factor = 1
	}
	switch ropeType {
	case "", "default":
		return invFreq, nil
	case "linear":
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
	case "llama3":
		origCtx := float64(rs.OriginalMaxPositionEmbeddings)
		if origCtx <= 0 {
			origCtx = float64(cfg.MaxPosition)
		}
		applyLlama3Scaling(invFreq, factor, origCtx, rs.LowFreqFactor, rs.HighFreqFactor)
	default:
		return nil, fmt.Errorf("unsupported rope_scaling type %q", ropeType)
	}
	return invFreq, nil
}

func applyLlama3Scaling(invFreq []float64, factor float64, origCtx float64, lowFactor float64, highFactor float64) {
	if factor == 0 || factor == 1 || len(invFreq) == 0 {
		return
	}
	if origCtx <= 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= 0 {
		highFactor = lowFactor
	}
	if highFactor <= lowFactor {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor

	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := (2 * math.Pi) / f

		if waveLen > lowFreqWavelen {
			invFreq[i] = f / factor
			continue
		}
		if waveLen < highFreqWavelen {
			invFreq[i] = f
			continue
		}

		smoothFactor := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
		invScaled := f / factor
		invFreq[i] = (1-smoothFactor)*invScaled + smoothFactor*f
	}
}
