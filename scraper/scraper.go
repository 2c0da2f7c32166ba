package scraper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-price-tracker/config"
	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/aluiziolira/go-price-tracker/parser"
	"github.com/gocolly/colly/v2"
)

// challengeMarkers are lowercase fragments of anti-bot interstitial pages.
var challengeMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("robot check"),
	[]byte("are you a robot"),
	[]byte("something went wrong"),
	[]byte("automated access"),
}

const (
	ctxStart        = "start"
	ctxStatus       = "status"
	ctxChallenge    = "challenge"
	ctxPriceText    = "price_text"
	ctxAvailability = "availability_text"
)

// Scraper fetches single product pages with a shared colly collector. It is
// safe for concurrent use; the collector's limit rule spaces requests.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	Metrics   *Metrics

	requestCount int64
	errorCount   int64
}

// NewScraper builds a scraper configured from cfg.
func NewScraper(cfg *config.Config, metrics *Metrics) (*Scraper, error) {
	parsed, err := url.Parse(fmt.Sprintf(cfg.ProductURLTemplate, "probe"))
	if err != nil {
		return nil, fmt.Errorf("parse product url template: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("product url template must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.RequestTimeout)
	collector.IgnoreRobotsTxt = true
	// Shared cookies across concurrent product requests mix sessions up.
	collector.DisableCookies()
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.SweepConcurrency,
		Delay:       cfg.RequestDelay,
		RandomDelay: cfg.RequestRandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	s := &Scraper{
		cfg:       cfg,
		collector: collector,
		Metrics:   metrics,
	}
	s.configureHandlers()
	return s, nil
}

// URLFor returns the product page URL for a marketplace id.
func (s *Scraper) URLFor(productID string) string {
	return fmt.Sprintf(s.cfg.ProductURLTemplate, url.PathEscape(productID))
}

// Fetch downloads the product page and extracts price and availability.
// Failures are returned as *models.FetchError. If ctx ends first the request
// is abandoned and ctx.Err() is returned.
func (s *Scraper) Fetch(ctx context.Context, productID string) (models.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return models.FetchResult{}, err
	}

	pageCtx := colly.NewContext()
	done := make(chan error, 1)
	go func() {
		done <- s.collector.Request(http.MethodGet, s.URLFor(productID), nil, pageCtx, nil)
	}()

	select {
	case <-ctx.Done():
		return models.FetchResult{}, ctx.Err()
	case err := <-done:
		return s.result(productID, pageCtx, err)
	}
}

// Counts returns the number of requests issued and failed so far.
func (s *Scraper) Counts() (requests, failures int64) {
	return atomic.LoadInt64(&s.requestCount), atomic.LoadInt64(&s.errorCount)
}

func (s *Scraper) configureHandlers() {
	s.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		atomic.AddInt64(&s.requestCount, 1)
		s.Metrics.IncRequest("started")
	})

	s.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		s.observe(r.Ctx)
		body := bytes.ToLower(r.Body)
		for _, marker := range challengeMarkers {
			if bytes.Contains(body, marker) {
				r.Ctx.Put(ctxChallenge, true)
				break
			}
		}
	})

	s.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		r.Ctx.Put(ctxStatus, r.StatusCode)
		s.observe(r.Ctx)
	})

	s.collector.OnHTML("html", func(e *colly.HTMLElement) {
		price := e.DOM.Find(s.cfg.PriceSelector).First().Text()
		e.Request.Ctx.Put(ctxPriceText, strings.TrimSpace(price))
		if s.cfg.AvailabilitySelector != "" {
			availability := e.DOM.Find(s.cfg.AvailabilitySelector).First().Text()
			e.Request.Ctx.Put(ctxAvailability, strings.TrimSpace(availability))
		}
	})
}

func (s *Scraper) observe(ctx *colly.Context) {
	if start, ok := ctx.GetAny(ctxStart).(time.Time); ok {
		s.Metrics.ObserveDuration(time.Since(start))
	}
}

func (s *Scraper) result(productID string, pageCtx *colly.Context, reqErr error) (models.FetchResult, error) {
	status, _ := pageCtx.GetAny(ctxStatus).(int)
	if reqErr != nil {
		return s.fail(productID, classifyError(reqErr, status))
	}

	priceText := pageCtx.Get(ctxPriceText)
	availabilityText := pageCtx.Get(ctxAvailability)
	if priceText == "" {
		if challenged, _ := pageCtx.GetAny(ctxChallenge).(bool); challenged {
			return s.fail(productID, ErrChallenge{Err: fmt.Errorf("challenge page served for %s", productID)})
		}
		if availabilityText != "" && !parser.IsAvailable(availabilityText) {
			return s.success(productID, status, models.FetchResult{Available: false})
		}
		return s.fail(productID, ErrMalformed{Err: fmt.Errorf("no price on page for %s", productID)})
	}

	price, err := parser.ParsePrice(priceText)
	if err != nil {
		return s.fail(productID, ErrMalformed{Err: err})
	}
	return s.success(productID, status, models.FetchResult{
		Price:     price,
		Available: parser.IsAvailable(availabilityText),
	})
}

func (s *Scraper) success(productID string, status int, res models.FetchResult) (models.FetchResult, error) {
	res.ProductID = productID
	res.RawStatus = status
	res.FetchedAt = time.Now()
	res.Source = models.SourceLive
	if err := parser.ValidateResult(res); err != nil {
		return s.fail(productID, ErrMalformed{Err: err})
	}
	s.Metrics.IncRequest("succeeded")
	return res, nil
}

func (s *Scraper) fail(productID string, classified error) (models.FetchResult, error) {
	atomic.AddInt64(&s.errorCount, 1)
	category := errorTypeLabel(classified)
	s.Metrics.IncError(category)
	slog.Debug("product fetch failed",
		slog.String("product_id", productID),
		slog.String("category", category),
		slog.Any("error", classified),
	)
	return models.FetchResult{}, &models.FetchError{Kind: fetchKind(classified), Err: classified}
}
