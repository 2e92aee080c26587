// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// AugmentFn transforms a training image using the given random source.
type AugmentFn func(img image.Image, rng *rand.Rand) image.Image

// AugmentationProfile is a named preset of training-time image augmentations.
type AugmentationProfile int

const (
	AugmentNone AugmentationProfile = iota
	AugmentLight
	AugmentMedium
	AugmentHard
)

var augmentationNames = map[string]AugmentationProfile{
	"none":   AugmentNone,
	"light":  AugmentLight,
	"medium": AugmentMedium,
	"hard":   AugmentHard,
}

// ParseAugmentation maps a profile name to its AugmentationProfile.
func ParseAugmentation(name string) (AugmentationProfile, error) {
	profile, found := augmentationNames[name]
	if !found {
		return AugmentNone, errors.Errorf("unknown augmentation profile %q, valid values are %v",
			name, maps.Keys(augmentationNames))
	}
	return profile, nil
}

// String returns the profile name.
func (p AugmentationProfile) String() string {
	for name, profile := range augmentationNames {
		if profile == p {
			return name
		}
	}
	return "invalid"
}

var rotationFill = color.RGBA{R: 0, G: 0, B: 0, A: 255}

// Fn returns the augmentation function of the profile, or nil for AugmentNone.
func (p AugmentationProfile) Fn() AugmentFn {
	switch p {
	case AugmentNone:
		return nil
	case AugmentLight:
		return func(img image.Image, rng *rand.Rand) image.Image {
			if rng.Intn(2) == 1 {
				img = imaging.FlipH(img)
			}
			return img
		}
	case AugmentMedium:
		return func(img image.Image, rng *rand.Rand) image.Image {
			if rng.Intn(2) == 1 {
				img = imaging.FlipH(img)
			}
			img = imaging.Rotate(img, (rng.Float64()*2-1)*15, rotationFill)
			img = imaging.AdjustBrightness(img, (rng.Float64()*2-1)*5)
			img = imaging.AdjustContrast(img, (rng.Float64()*2-1)*5)
			return img
		}
	case AugmentHard:
		return func(img image.Image, rng *rand.Rand) image.Image {
			if rng.Intn(2) == 1 {
				img = imaging.FlipH(img)
			}
			if rng.Intn(2) == 1 {
				img = imaging.FlipV(img)
			}
			img = imaging.Rotate(img, (rng.Float64()*2-1)*30, rotationFill)
			img = imaging.AdjustBrightness(img, (rng.Float64()*2-1)*10)
			img = imaging.AdjustContrast(img, (rng.Float64()*2-1)*10)
			return img
		}
	}
	return nil
}

// TTAVariant returns the deterministic test-time augmentation with the given
// index: variant 0 is the identity, variant 1 a horizontal flip, and further
// variants small fixed rotations alternating sign.
func TTAVariant(img image.Image, variant int) image.Image {
	switch {
	case variant <= 0:
		return img
	case variant == 1:
		return imaging.FlipH(img)
	default:
		angle := float64((variant-1)/2+1) * 10
		if variant%2 == 1 {
			angle = -angle
		}
		return imaging.Rotate(img, angle, rotationFill)
	}
}