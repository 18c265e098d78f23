// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // Register JPEG decoder.
	"image/png"
	"math"
)

// Analysis is the outcome of comparing a capture with its baseline.
type Analysis struct {
	MisMatchPercentage float64 `json:"misMatchPercentage"`
	IsSameDimensions   bool    `json:"isSameDimensions"`
}

// Comparator compares two encoded images.
type Comparator interface {
	Compare(base, test []byte) (*Comparison, error)
}

// Comparison holds the analysis of one image pair and can render a diff
// image of it.
type Comparison struct {
	Analysis Analysis

	base    image.Image
	changed [][]bool
}

// PixelComparator counts pixels whose summed RGBA channel delta, on a 0-765
// scale, exceeds Threshold. Pixels outside the intersection of two images of
// different sizes always count as changed.
type PixelComparator struct {
	Threshold int
}

var _ Comparator = PixelComparator{}

func (c PixelComparator) Compare(base, test []byte) (*Comparison, error) {
	baseImg, _, err := image.Decode(bytes.NewReader(base))
	if err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	testImg, _, err := image.Decode(bytes.NewReader(test))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	bBounds := baseImg.Bounds()
	tBounds := testImg.Bounds()
	bW, bH := bBounds.Dx(), bBounds.Dy()
	tW, tH := tBounds.Dx(), tBounds.Dy()
	sameDims := bW == tW && bH == tH

	intW, intH := min(bW, tW), min(bH, tH)
	maxW, maxH := max(bW, tW), max(bH, tH)

	changed := make([][]bool, maxH)
	for y := range changed {
		changed[y] = make([]bool, maxW)
	}

	limit := uint32(max(c.Threshold, 0)) * 257
	count := 0
	for y := 0; y < maxH; y++ {
		for x := 0; x < maxW; x++ {
			if x >= intW || y >= intH {
				changed[y][x] = true
				count++
				continue
			}
			r1, g1, b1, a1 := baseImg.At(bBounds.Min.X+x, bBounds.Min.Y+y).RGBA()
			r2, g2, b2, a2 := testImg.At(tBounds.Min.X+x, tBounds.Min.Y+y).RGBA()
			delta := absDiff16(r1, r2) + absDiff16(g1, g2) + absDiff16(b1, b2) + absDiff16(a1, a2)
			if delta > limit {
				changed[y][x] = true
				count++
			}
		}
	}

	pct := 0.0
	if total := maxW * maxH; total > 0 {
		pct = math.Round(float64(count)/float64(total)*100*100) / 100
	}
	// Rounding must not hide a real difference.
	if pct == 0 && count > 0 {
		pct = 0.01
	}

	return &Comparison{
		Analysis: Analysis{
			MisMatchPercentage: pct,
			IsSameDimensions:   sameDims,
		},
		base:    baseImg,
		changed: changed,
	}, nil
}

// DiffImage renders the comparison as a PNG: changed pixels in magenta,
// unchanged pixels as the baseline dimmed to 30%.
func (c *Comparison) DiffImage() ([]byte, error) {
	h := len(c.changed)
	w := 0
	if h > 0 {
		w = len(c.changed[0])
	}
	bBounds := c.base.Bounds()
	diff := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if c.changed[y][x] {
				diff.Set(x, y, color.RGBA{255, 0, 255, 255})
				continue
			}
			bx, by := bBounds.Min.X+x, bBounds.Min.Y+y
			r, g, b, _ := c.base.At(bx, by).RGBA()
			diff.Set(x, y, color.RGBA{
				uint8(r >> 8 * 77 / 255),
				uint8(g >> 8 * 77 / 255),
				uint8(b >> 8 * 77 / 255),
				255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, diff); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func absDiff16(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
