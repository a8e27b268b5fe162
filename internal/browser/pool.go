package browser

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// Pool bounds the number of browsers in use at once.
type Pool struct {
	cfg    Config
	size   int
	logger *zap.Logger

	mu    sync.Mutex
	inUse map[*Client]struct{}
	// newClient is replaced in tests.
	newClient func(port int) *Client
	freePort  func() (int, error)
}

// NewPool creates a pool of at most size browsers launched with cfg.
func NewPool(size int, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{
		cfg:      cfg,
		size:     size,
		logger:   logger,
		inUse:    make(map[*Client]struct{}),
		freePort: FreePort,
	}
	p.newClient = func(port int) *Client {
		return NewClient(p.cfg, port, p.logger.With(zap.Int("port", port)))
	}
	return p
}

// Acquire returns an unstarted browser, or crawler.ErrNoCapacity when every
// slot is taken. It never blocks.
func (p *Pool) Acquire() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inUse) >= p.size {
		return nil, crawler.ErrNoCapacity
	}
	port, err := p.freePort()
	if err != nil {
		return nil, fmt.Errorf("acquire browser: %w", err)
	}
	c := p.newClient(port)
	p.inUse[c] = struct{}{}
	return c, nil
}

// Release stops c and frees its slot. Releasing a browser twice is a caller
// bug and is logged.
func (p *Pool) Release(c *Client) {
	c.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[c]; !ok {
		p.logger.Warn("released a browser the pool does not hold", zap.Int("port", c.Port()))
		return
	}
	delete(p.inUse, c)
}

// ShutdownNow stops every browser in use. Slots are freed by Release.
func (p *Pool) ShutdownNow() {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.inUse))
	for c := range p.inUse {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
	p.logger.Info("browser pool shut down", zap.Int("stopped", len(clients)))
}

// InUse is the number of acquired browsers.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Size is the pool capacity.
func (p *Pool) Size() int {
	return p.size
}
