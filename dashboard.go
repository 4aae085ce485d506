package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/terrascope/geometry"
	"golang.org/x/sync/errgroup"

	"github.com/prl900/ee_unmix/config"
	"github.com/prl900/ee_unmix/ee"
	"github.com/prl900/ee_unmix/rastreader"
	"github.com/prl900/ee_unmix/tilecache"
	"github.com/prl900/ee_unmix/unmix"
)

// authError is shown on the page when the session could not be set up.
type authError struct{ err error }

func (e authError) Error() string { return "Erro ao autenticar: " + e.err.Error() }
func (e authError) Unwrap() error { return e.err }

// connect authenticates with the configured credentials. ctx must outlive
// the returned client, it is used to refresh tokens.
func connect(ctx context.Context, cfg *config.Config) (*ee.Client, *ee.Session, error) {
	creds, err := cfg.Credentials()
	if err != nil {
		return nil, nil, authError{err}
	}
	s, err := ee.Authenticate(ctx, creds, cfg.Project)
	if err != nil {
		return nil, nil, authError{err}
	}
	c := ee.NewClient(s.HTTPClient(ctx), s.Project, ee.WithBaseURL(cfg.BaseURL), ee.WithTimeout(cfg.Timeout))
	return c, s, nil
}

// analysis is one evaluated run with its registered map layers.
type analysis struct {
	res    *unmix.Result
	bbox   geometry.BoundingBox
	maps   map[string]ee.MapID
	layers rastreader.Layers
	built  time.Time
}

// dashboard owns the session and the memoised analysis.
type dashboard struct {
	cfg     *config.Config
	client  *ee.Client
	pipe    *unmix.Pipeline
	cache   tilecache.Cache
	version string
	authErr error

	mu       sync.Mutex
	cur      *analysis
	lastErr  error
	failedAt time.Time
}

func newDashboard(ctx context.Context, cfg *config.Config, cache tilecache.Cache) *dashboard {
	d := &dashboard{cfg: cfg, cache: cache, version: cfg.Fingerprint()}
	client, s, err := connect(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("authentication failed")
		d.authErr = err
		return d
	}
	log.WithFields(log.Fields{"account": s.Email, "project": s.Project, "version": d.version}).Info("earth engine session ready")
	d.client = client
	d.pipe = unmix.New(client, cfg.Analysis)
	return d
}

// analysis returns the current run, rebuilding it once MapTTL has passed.
// A failed build is returned again until RetryAfter has passed. Nothing is
// sent to the service when authentication failed.
func (d *dashboard) analysis(ctx context.Context) (*analysis, error) {
	if d.authErr != nil {
		return nil, d.authErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur != nil && (d.cfg.MapTTL <= 0 || time.Since(d.cur.built) < d.cfg.MapTTL) {
		return d.cur, nil
	}
	if d.lastErr != nil && time.Since(d.failedAt) < d.cfg.RetryAfter {
		return nil, d.lastErr
	}

	start := time.Now()
	a, err := d.build(ctx)
	if err != nil {
		// client cancellations are not service failures
		if ctx.Err() == nil {
			d.lastErr, d.failedAt = err, time.Now()
		}
		return nil, err
	}
	d.lastErr = nil
	log.WithFields(log.Fields{"layers": len(a.maps), "elapsed": time.Since(start).Round(time.Millisecond)}).Info("analysis ready")
	d.cur = a
	return a, nil
}

func (d *dashboard) build(ctx context.Context) (*analysis, error) {
	for _, l := range d.cfg.Layers {
		if !rastreader.IsProduct(l.Name) {
			return nil, fmt.Errorf("No product for layer %s", l.Name)
		}
	}

	res, err := d.pipe.Run(ctx)
	if err != nil {
		return nil, err
	}
	bbox, err := d.pipe.Bounds(ctx)
	if err != nil {
		return nil, err
	}

	imgs := make([]ee.Node, len(d.cfg.Layers))
	vis := make([]ee.Vis, len(d.cfg.Layers))
	for i, l := range d.cfg.Layers {
		img, ok := res.Image(l.Name)
		if !ok {
			return nil, fmt.Errorf("No product for layer %s", l.Name)
		}
		pal, err := l.HexPalette()
		if err != nil {
			return nil, err
		}
		imgs[i] = img
		vis[i] = ee.Vis{Bands: l.Bands, Min: float64(l.MinVal), Max: float64(l.MaxVal), Palette: pal}
	}

	ids := make([]ee.MapID, len(d.cfg.Layers))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range d.cfg.Layers {
		g.Go(func() error {
			id, err := d.client.CreateMap(gctx, imgs[i], vis[i])
			if err != nil {
				return fmt.Errorf("Error creating map for %s: %w", l.Name, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	maps := make(map[string]ee.MapID, len(ids))
	for i, l := range d.cfg.Layers {
		maps[l.Name] = ids[i]
	}
	return &analysis{res: res, bbox: bbox, maps: maps, layers: d.cfg.Layers, built: time.Now()}, nil
}

// tile returns one PNG tile of a layer, through the cache.
func (d *dashboard) tile(ctx context.Context, layer string, z, x, y int) ([]byte, error) {
	key := tilecache.Key(d.version, layer, z, x, y)
	if data, ok, err := d.cache.Get(ctx, key); err == nil && ok {
		return data, nil
	}

	a, err := d.analysis(ctx)
	if err != nil {
		return nil, err
	}
	id, ok := a.maps[layer]
	if !ok {
		return nil, errUnknownLayer
	}
	data, err := d.client.Tile(ctx, id, z, x, y)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Put(ctx, key, data); err != nil {
		log.WithError(err).WithField("key", key).Warn("tile not cached")
	}
	return data, nil
}
