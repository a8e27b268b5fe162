// Package archive writes out-of-band records, such as page screenshots, to a
// blob store.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

const (
	defaultThumbnailWidth = 300
	jpegQuality           = 95
)

// BlobStore persists a payload under a path and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Config controls record naming and thumbnails.
type Config struct {
	// ThumbnailWidth is the width screenshots are scaled to; zero uses 300.
	ThumbnailWidth int
}

// Writer implements crawler.RecordWriter.
type Writer struct {
	store      BlobStore
	hasher     crawler.Hasher
	clock      crawler.Clock
	thumbWidth int
	logger     *zap.Logger
}

var _ crawler.RecordWriter = (*Writer)(nil)

// New builds a Writer.
func New(store BlobStore, hasher crawler.Hasher, clock crawler.Clock, cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ThumbnailWidth <= 0 {
		cfg.ThumbnailWidth = defaultThumbnailWidth
	}
	return &Writer{store: store, hasher: hasher, clock: clock, thumbWidth: cfg.ThumbnailWidth, logger: logger}
}

// WriteRecord stores payload as a record for rawURL and returns its URI.
// Records are laid out as <job>/<site>/<timestamp>-<digest><ext>.
func (w *Writer) WriteRecord(ctx context.Context, site crawler.Site, rawURL, contentType string, payload []byte) (string, error) {
	digest, err := w.hasher.Hash(append([]byte(rawURL+"\n"), payload...))
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	jobID := site.JobID
	if jobID == "" {
		jobID = "_"
	}
	path := fmt.Sprintf("%s/%s/%s-%s%s", jobID, site.ID, w.clock.Now().UTC().Format("20060102150405"), digest, extension(contentType))
	uri, err := w.store.PutObject(ctx, path, contentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("store record %s: %w", rawURL, err)
	}
	w.logger.Debug("wrote record",
		zap.String("site_id", site.ID),
		zap.String("url", rawURL),
		zap.String("uri", uri),
		zap.Int("bytes", len(payload)),
	)
	return uri, nil
}

// Screenshot holds the URIs of a screenshot and its thumbnail.
type Screenshot struct {
	ImageURI     string
	ThumbnailURI string
}

// WriteScreenshot stores a JPEG screenshot of pageURL and a scaled-down
// thumbnail of it.
func (w *Writer) WriteScreenshot(ctx context.Context, site crawler.Site, pageURL string, jpegData []byte) (Screenshot, error) {
	var out Screenshot
	uri, err := w.WriteRecord(ctx, site, "screenshot:"+pageURL, "image/jpeg", jpegData)
	if err != nil {
		return out, err
	}
	out.ImageURI = uri

	thumb, err := Thumbnail(jpegData, w.thumbWidth)
	if err != nil {
		return out, fmt.Errorf("thumbnail %s: %w", pageURL, err)
	}
	uri, err = w.WriteRecord(ctx, site, "thumbnail:"+pageURL, "image/jpeg", thumb)
	if err != nil {
		return out, err
	}
	out.ThumbnailURI = uri
	return out, nil
}

// Thumbnail scales a JPEG to width, keeping its aspect ratio. Images already
// narrower than width are re-encoded unscaled.
func Thumbnail(jpegData []byte, width int) ([]byte, error) {
	if width <= 0 {
		return nil, errors.New("thumbnail width must be positive")
	}
	src, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("empty image")
	}
	dst := src
	if b.Dx() > width {
		height := b.Dy() * width / b.Dx()
		if height < 1 {
			height = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, b, draw.Over, nil)
		dst = scaled
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/json":
		return ".json"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if strings.HasPrefix(mediaType, "text/") {
		return ".txt"
	}
	return ".bin"
}
