// Package session guarantees isolation of fetches sharing the scarce headless
// browser resource. Every lease clears cookies, cache and per-origin storage
// before navigating, and teardown runs on every exit path, so state rendered
// for one venue can never leak into the extraction result of the next.
package session

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the browser pool.
type Config struct {
	PoolSize          int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Page is the rendered result handed to session callbacks.
type Page struct {
	URL      string
	FinalURL string
	HTML     string
}

// driver abstracts the browser protocol so the pool and isolation discipline
// are testable without Chrome.
type driver interface {
	// clear wipes cookies, cache and storage for the origin on the instance.
	clear(ctx context.Context, inst *instance, origin string) error
	// render navigates and returns the settled DOM.
	render(ctx context.Context, inst *instance, rawURL string) (Page, error)
	// close releases the instance's browser context.
	close(inst *instance)
}

type instance struct {
	id         int
	browserCtx context.Context
	cancel     context.CancelFunc
}

// Manager owns a small pool of browser instances. Access to an instance is
// exclusive for the duration of one lease; exclusivity is enforced by the
// pool channel, not by caller discipline.
type Manager struct {
	cfg         Config
	pool        chan *instance
	instances   []*instance
	drv         driver
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewManager starts a chromedp-backed pool.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	m := &Manager{
		cfg:         cfg,
		pool:        make(chan *instance, cfg.PoolSize),
		drv:         &chromeDriver{},
		allocCancel: allocCancel,
		logger:      logger,
	}
	for i := 0; i < cfg.PoolSize; i++ {
		browserCtx, cancel := chromedp.NewContext(allocCtx)
		inst := &instance{id: i, browserCtx: browserCtx, cancel: cancel}
		m.instances = append(m.instances, inst)
		m.pool <- inst
	}
	return m, nil
}

// newManagerWithDriver is the test seam: same pool mechanics, fake protocol.
func newManagerWithDriver(cfg Config, drv driver, logger *zap.Logger) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:         cfg,
		pool:        make(chan *instance, cfg.PoolSize),
		drv:         drv,
		allocCancel: func() {},
		logger:      logger,
	}
	for i := 0; i < cfg.PoolSize; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		inst := &instance{id: i, browserCtx: ctx, cancel: cancel}
		m.instances = append(m.instances, inst)
		m.pool <- inst
	}
	return m
}

// WithSession leases an isolated browser instance, clears all residual state,
// renders the venue page and invokes fn with the result. The instance is
// returned to the pool and its state cleared again in a deferred teardown
// regardless of how the callback terminated.
func (m *Manager) WithSession(ctx context.Context, venueURL string, fn func(ctx context.Context, page Page) error) error {
	var inst *instance
	select {
	case inst = <-m.pool:
	case <-ctx.Done():
		return fmt.Errorf("session lease wait: %w", ctx.Err())
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer func() {
		// Teardown clears residual state even after errors or timeouts so the
		// next lease on this instance starts from a blank slate either way.
		if err := m.drv.clear(context.Background(), inst, originOf(venueURL)); err != nil {
			m.logger.Warn("session teardown clear failed",
				zap.Int("instance", inst.id), zap.Error(err))
		}
		cancel()
		m.pool <- inst
	}()

	if err := m.drv.clear(navCtx, inst, originOf(venueURL)); err != nil {
		return fmt.Errorf("clear browser state: %w", err)
	}

	page, err := m.drv.render(navCtx, inst, venueURL)
	if err != nil {
		return fmt.Errorf("render %s: %w", venueURL, err)
	}
	return fn(navCtx, page)
}

// Close tears down every instance and the allocator.
func (m *Manager) Close() {
	for _, inst := range m.instances {
		m.drv.close(inst)
	}
	m.allocCancel()
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "*"
	}
	return u.Scheme + "://" + u.Host
}
