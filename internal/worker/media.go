package worker

import (
	"context"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// NoMedia is a MediaExtractor that fetches nothing. It is used when no media
// download integration is configured.
type NoMedia struct{}

var _ crawler.MediaExtractor = NoMedia{}

// Extract implements crawler.MediaExtractor.
func (NoMedia) Extract(context.Context, string, crawler.Site, crawler.Page) (crawler.MediaResult, error) {
	return crawler.MediaResult{}, nil
}
