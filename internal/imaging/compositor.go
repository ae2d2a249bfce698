// internal/imaging/compositor.go
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const (
	// Every reference is normalized to this height so the lineup stays clean.
	targetHeight = 1024
	// Horizontal gap between characters in the lineup.
	lineupGap = 20
)

// Compositor merges character reference images into a single lineup image.
type Compositor struct {
	client *http.Client
}

// NewCompositor creates a compositor. A nil client falls back to a default
// with a request timeout.
func NewCompositor(client *http.Client) *Compositor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Compositor{client: client}
}

// ComposeLineup merges the given image sources (URLs or data URIs) into one
// horizontal strip, left to right in input order.
//
// No sources returns an empty string: callers treat the absence of a
// composite as "no reference conditioning". A single source is returned
// unchanged. Any load failure fails the whole composition; callers recover by
// generating without a reference.
func (c *Compositor) ComposeLineup(ctx context.Context, sources []string) (string, error) {
	if len(sources) == 0 {
		return "", nil
	}
	if len(sources) == 1 {
		return sources[0], nil
	}

	images := make([]image.Image, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			img, err := c.loadImage(gctx, src)
			if err != nil {
				return fmt.Errorf("failed to load image %d: %w", i, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	return composeStrip(images)
}

// loadImage fetches and decodes one image source.
func (c *Compositor) loadImage(ctx context.Context, src string) (image.Image, error) {
	var data []byte

	if IsDataURI(src) {
		decoded, err := DecodeDataURI(src)
		if err != nil {
			return nil, err
		}
		data = decoded
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d fetching image", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// composeStrip lays the images out left to right on a white background, each
// scaled to the target height with its aspect ratio preserved.
func composeStrip(images []image.Image) (string, error) {
	type scaled struct {
		img image.Image
		w   int
	}

	totalWidth := 0
	dims := make([]scaled, len(images))
	for i, img := range images {
		b := img.Bounds()
		if b.Dy() == 0 {
			return "", fmt.Errorf("image %d has zero height", i)
		}
		w := b.Dx() * targetHeight / b.Dy()
		dims[i] = scaled{img: img, w: w}
		totalWidth += w
	}
	totalWidth += (len(images) - 1) * lineupGap

	canvas := image.NewRGBA(image.Rect(0, 0, totalWidth, targetHeight))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)

	x := 0
	for _, d := range dims {
		dst := image.Rect(x, 0, x+d.w, targetHeight)
		xdraw.ApproxBiLinear.Scale(canvas, dst, d.img, d.img.Bounds(), xdraw.Over, nil)
		x += d.w + lineupGap
	}

	return EncodePNGDataURI(canvas)
}
