package worker

import (
	"context"

	"github.com/JakeFAU/browsercrawler/internal/browser"
)

// Browser is the subset of browser.Client a session drives.
type Browser interface {
	Start(ctx context.Context, proxy string) error
	Stop()
	IsRunning() bool
	BrowsePage(ctx context.Context, pageURL string, opts browser.BrowseOptions) (browser.BrowseResult, error)
}

// Pool hands out browsers. Acquire must not block.
type Pool interface {
	Acquire() (Browser, error)
	Release(b Browser)
	ShutdownNow()
	InUse() int
	Size() int
}

// ClientPool adapts browser.Pool to Pool.
type ClientPool struct {
	pool *browser.Pool
}

var _ Pool = (*ClientPool)(nil)

// NewClientPool wraps p.
func NewClientPool(p *browser.Pool) *ClientPool {
	return &ClientPool{pool: p}
}

// Acquire implements Pool.
func (p *ClientPool) Acquire() (Browser, error) {
	c, err := p.pool.Acquire()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Release implements Pool. Browsers not handed out by this pool are ignored.
func (p *ClientPool) Release(b Browser) {
	if c, ok := b.(*browser.Client); ok {
		p.pool.Release(c)
	}
}

// ShutdownNow implements Pool.
func (p *ClientPool) ShutdownNow() { p.pool.ShutdownNow() }

// InUse implements Pool.
func (p *ClientPool) InUse() int { return p.pool.InUse() }

// Size implements Pool.
func (p *ClientPool) Size() int { return p.pool.Size() }
