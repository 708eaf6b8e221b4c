// Package report serves the back-office projections (per-shop settlement
// summaries, per-product movement totals) behind a short-TTL cache so the
// dashboard can poll without hammering the ledger store.
package report

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"milkledger/backend/internal/cache"
	"milkledger/backend/internal/domain"
)

const (
	keyShopSummaries = "report:shop_summaries"
	keyProductTotals = "report:product_totals"
)

type Projector struct {
	cache cache.ReportCache
	ttl   time.Duration
}

func New(reportCache cache.ReportCache, ttl time.Duration) *Projector {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if ttl < time.Second {
		ttl = 30 * time.Second
	}
	return &Projector{cache: reportCache, ttl: ttl}
}

// ShopSummaries returns the cached report when fresh, otherwise rebuilds it
// through build. Cache failures degrade to a rebuild, never to an error.
func (p *Projector) ShopSummaries(ctx context.Context, build func(context.Context) ([]domain.ShopSummary, error)) (domain.ShopSummaryReport, error) {
	var cached domain.ShopSummaryReport
	if p.fromCache(ctx, keyShopSummaries, &cached) {
		return cached, nil
	}

	shops, err := build(ctx)
	if err != nil {
		return domain.ShopSummaryReport{}, err
	}

	rep := domain.ShopSummaryReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Shops:       shops,
	}
	p.toCache(ctx, keyShopSummaries, rep)
	return rep, nil
}

func (p *Projector) ProductTotals(ctx context.Context, build func(context.Context) ([]domain.ProductTotal, error)) (domain.ProductTotalReport, error) {
	var cached domain.ProductTotalReport
	if p.fromCache(ctx, keyProductTotals, &cached) {
		return cached, nil
	}

	products, err := build(ctx)
	if err != nil {
		return domain.ProductTotalReport{}, err
	}

	rep := domain.ProductTotalReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Products:    products,
	}
	p.toCache(ctx, keyProductTotals, rep)
	return rep, nil
}

func (p *Projector) fromCache(ctx context.Context, key string, out any) bool {
	raw, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		log.Printf("[report] WARN: cache get %s: %v", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("[report] WARN: cache decode %s: %v", key, err)
		return false
	}
	return true
}

func (p *Projector) toCache(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, key, raw, p.ttl); err != nil {
		log.Printf("[report] WARN: cache set %s: %v", key, err)
	}
}
