package pipeline

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
)

// ImageKind selects which remote entry point handles an image.
type ImageKind string

const (
	KindSquare   ImageKind = "square"
	KindVeryLong ImageKind = "very long"
	KindOther    ImageKind = "other"
)

// Line scan frames come off the camera at exactly this size.
const (
	veryLongWidth  = 31901
	veryLongHeight = 1000
)

// ClassifyImage reads only the image header. Undecodable files report KindOther with the error.
func ClassifyImage(imagePath string) (ImageKind, image.Config, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return KindOther, image.Config{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return KindOther, image.Config{}, fmt.Errorf("decode %s: %w", imagePath, err)
	}
	return classify(cfg.Width, cfg.Height), cfg, nil
}

func classify(width, height int) ImageKind {
	if height > 0 {
		ratio := float64(width) / float64(height)
		if ratio >= 0.9 && ratio <= 1.1 {
			return KindSquare
		}
	}
	if width == veryLongWidth && height == veryLongHeight {
		return KindVeryLong
	}
	return KindOther
}

// ScriptFor returns the remote script for kind.
func ScriptFor(kind ImageKind) string {
	switch kind {
	case KindSquare:
		return "api.py"
	case KindVeryLong:
		return "api_v2_http.py"
	default:
		return "api_v3_http.py"
	}
}
