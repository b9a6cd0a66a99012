package imaging

// EstimateSourceQuality infers how aggressively a source was compressed
// from its bytes-per-pixel ratio. Dense sources map to high jpeg quality,
// thin ones to low; re-encoding a heavily compressed source at high quality
// only inflates the file.
func EstimateSourceQuality(sizeBytes int64, width, height int) int {
	area := int64(width) * int64(height)
	if area <= 0 {
		return 60
	}

	bpp := float64(sizeBytes) / float64(area)
	switch {
	case bpp >= 2.0:
		return 95
	case bpp >= 1.0:
		return 85
	case bpp >= 0.5:
		return 75
	default:
		return 60
	}
}

// CachePlan decides the encode quality and whether a resize is needed for
// one cache render. A source already inside the target box keeps its
// original pixels and encodes at full quality; anything larger is fitted
// and encoded at the lower of the requested and estimated source quality.
func CachePlan(requestedQuality int, sizeBytes int64, srcWidth, srcHeight, targetWidth, targetHeight int) (quality int, resize bool) {
	if srcWidth <= targetWidth && srcHeight <= targetHeight {
		return 100, false
	}

	estimated := EstimateSourceQuality(sizeBytes, srcWidth, srcHeight)
	if requestedQuality < estimated {
		return requestedQuality, true
	}
	return estimated, true
}
