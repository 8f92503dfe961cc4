package model

import "time"

// Product is a candidate listing as produced by a marketplace adapter.
// ID is the marketplace-assigned listing identifier and the dedup key.
type Product struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Price    int    `json:"price"`
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
}

// KnownProduct is a product the monitor has already reported. AddedAt is
// set on first sighting and never updated afterwards.
type KnownProduct struct {
	Product
	AddedAt time.Time `json:"added_at"`
}

// ImageAnalysis holds the classifier's measurements for one image.
type ImageAnalysis struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	BackgroundRatio float64 `json:"background_ratio"`
	LowQuality      bool    `json:"is_low_quality"`
	SolidBackground bool    `json:"has_solid_background"`
}

// Passes reports whether the image is acceptable for notification.
func (a ImageAnalysis) Passes() bool {
	return !a.LowQuality && !a.SolidBackground
}
