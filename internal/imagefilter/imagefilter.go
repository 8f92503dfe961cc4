// Package imagefilter decides whether a product photo is worth notifying
// about, using cheap pixel statistics: a sharpness estimate over a luma
// edge map and a border-sampling test for solid-color backgrounds.
//
// The filter fails open everywhere: an image that cannot be fetched or
// decoded must never block an otherwise-novel product.
package imagefilter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"marketwatch/internal/config"
	"marketwatch/internal/model"
)

const maxImageBytes = 20 << 20

type Filter struct {
	cfg    config.Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg config.Config, logger *slog.Logger) *Filter {
	return &Filter{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.ImageFetchTimeoutSec) * time.Second,
		},
		logger: logger,
	}
}

// Accepts fetches imageURL and reports whether the image passes both the
// quality and background tests. Any fetch or decode failure degrades to
// true. An empty URL means "no image available" and also passes.
func (f *Filter) Accepts(ctx context.Context, imageURL string) bool {
	if imageURL == "" {
		return true
	}
	data, err := f.fetch(ctx, imageURL)
	if err != nil {
		f.logger.Debug("image fetch failed; accepting", "url", imageURL, "err", err)
		return true
	}
	analysis, err := f.Classify(data)
	if err != nil {
		f.logger.Debug("image decode failed; accepting", "url", imageURL, "err", err)
		return true
	}
	if !analysis.Passes() {
		f.logger.Debug("image rejected",
			"url", imageURL,
			"low_quality", analysis.LowQuality,
			"solid_background", analysis.SolidBackground,
			"background_ratio", analysis.BackgroundRatio)
	}
	return analysis.Passes()
}

// AnalyzeURL fetches and classifies an image without applying the
// fail-open policy. Meant for threshold tuning and debugging.
func (f *Filter) AnalyzeURL(ctx context.Context, imageURL string) (model.ImageAnalysis, error) {
	data, err := f.fetch(ctx, imageURL)
	if err != nil {
		return model.ImageAnalysis{}, err
	}
	return f.Classify(data)
}

func (f *Filter) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "marketwatch/0.1")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// Classify decodes data and runs both tests. Grayscale images carry no
// usable color statistics and pass automatically with a zero ratio.
func (f *Filter) Classify(data []byte) (model.ImageAnalysis, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return model.ImageAnalysis{}, fmt.Errorf("decode image: %w", err)
	}
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		b := img.Bounds()
		return model.ImageAnalysis{Width: b.Dx(), Height: b.Dy()}, nil
	}
	px := newPixels(img)

	analysis := model.ImageAnalysis{Width: px.w, Height: px.h}
	analysis.LowQuality = f.isLowQuality(px)
	if f.cfg.BackgroundFilterEnabled {
		analysis.BackgroundRatio = f.backgroundRatio(px)
		analysis.SolidBackground = analysis.BackgroundRatio > f.cfg.MaxSolidColorRatio
	}
	return analysis, nil
}

// pixels is a flat RGB view of a decoded image, channels in [0,255].
type pixels struct {
	w, h    int
	r, g, b []float64
}

func newPixels(img image.Image) *pixels {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	p := &pixels{
		w: w, h: h,
		r: make([]float64, w*h),
		g: make([]float64, w*h),
		b: make([]float64, w*h),
	}
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			p.r[i] = float64(r >> 8)
			p.g[i] = float64(g >> 8)
			p.b[i] = float64(b >> 8)
			i++
		}
	}
	return p
}

func (p *pixels) at(x, y int) (r, g, b float64) {
	i := y*p.w + x
	return p.r[i], p.g[i], p.b[i]
}

// isLowQuality rejects tiny images outright, then estimates sharpness as
// the variance of a first-difference edge map over the luma channel.
func (f *Filter) isLowQuality(px *pixels) bool {
	if px.h < f.cfg.MinDimension || px.w < f.cfg.MinDimension {
		return true
	}
	luma := make([]float64, px.w*px.h)
	for i := range luma {
		luma[i] = 0.2989*px.r[i] + 0.5870*px.g[i] + 0.1140*px.b[i]
	}
	edges := make([]float64, px.w*px.h)
	for y := 0; y < px.h; y++ {
		for x := 0; x < px.w; x++ {
			i := y*px.w + x
			var dx, dy float64
			if x+1 < px.w {
				dx = luma[i+1] - luma[i]
			}
			if y+1 < px.h {
				dy = luma[i+px.w] - luma[i]
			}
			edges[i] = math.Abs(dx) + math.Abs(dy)
		}
	}
	return variance(edges) < f.cfg.SharpnessThreshold
}

// backgroundRatio samples the outer border ring to estimate the backdrop
// color, then counts how much of the whole image sits within the color
// tolerance of it.
func (f *Filter) backgroundRatio(px *pixels) float64 {
	borderWidth := px.w / 10
	if px.h/10 < borderWidth {
		borderWidth = px.h / 10
	}
	if borderWidth > 20 {
		borderWidth = 20
	}
	if borderWidth < 1 {
		borderWidth = 1
	}

	var borderR, borderG, borderB []float64
	sample := func(x, y int) {
		r, g, b := px.at(x, y)
		borderR = append(borderR, r)
		borderG = append(borderG, g)
		borderB = append(borderB, b)
	}
	// Top and bottom bands across the full width.
	for x := 0; x < px.w; x++ {
		for y := 0; y < borderWidth; y++ {
			sample(x, y)
			sample(x, px.h-1-y)
		}
	}
	// Left and right bands over the rows not already covered.
	for y := borderWidth; y < px.h-borderWidth; y++ {
		for x := 0; x < borderWidth; x++ {
			sample(x, y)
			sample(px.w-1-x, y)
		}
	}

	meanR, meanG, meanB := mean(borderR), mean(borderG), mean(borderB)
	avgStd := (stddev(borderR, meanR) + stddev(borderG, meanG) + stddev(borderB, meanB)) / 3
	isSolidBorder := avgStd < f.cfg.BackgroundColorThreshold

	tolerance := f.cfg.ColorDiffTolerance
	background := 0
	total := px.w * px.h
	for i := 0; i < total; i++ {
		dr := px.r[i] - meanR
		dg := px.g[i] - meanG
		db := px.b[i] - meanB
		if math.Sqrt(dr*dr+dg*dg+db*db) < tolerance {
			background++
		}
	}
	ratio := float64(background) / float64(total)

	// A uniform border implies at least a nominal background presence
	// even when the color-distance count under-sampled it.
	if isSolidBorder && ratio < 0.1 {
		ratio = 0.1
	}
	return ratio
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stddev(v []float64, m float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)))
}

func variance(v []float64) float64 {
	m := mean(v)
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(v))
}
