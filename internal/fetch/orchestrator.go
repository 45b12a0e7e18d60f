// Package fetch walks vendor pagination to assemble the result set for one
// date range.
package fetch

import (
	"context"
	"errors"

	"ordersync/internal/models"
	"ordersync/internal/session"
	"ordersync/internal/vendor"

	"github.com/rs/zerolog"
)

// maxConsecutiveFailures stops a page-number walk whose pages keep failing
// when the vendor never reported a page count.
const maxConsecutiveFailures = 3

// PageFetcher is implemented by *vendor.Client.
type PageFetcher interface {
	FetchPage(ctx context.Context, accountID string, feed vendor.Feed, q vendor.PageQuery) (vendor.Page, error)
}

type Filters struct {
	Feed      vendor.Feed
	DateField string
	Extra     map[string]string
}

// PageProgress is reported after every successful page.
type PageProgress struct {
	Page       int
	Fetched    int
	TotalPages int
}

type PageFailure struct {
	Page   int
	Cursor string
	Err    error
}

type Result struct {
	Orders      []models.VendorOrder
	Pages       int
	Requests    int
	Duplicates  int
	Capped      bool
	FailedPages []PageFailure
}

// Partial reports whether at least one page was dropped.
func (r Result) Partial() bool {
	return len(r.FailedPages) > 0
}

type Orchestrator struct {
	pages    PageFetcher
	pageSize int
	logger   *zerolog.Logger
}

func NewOrchestrator(pages PageFetcher, pageSize int, logger *zerolog.Logger) *Orchestrator {
	if pageSize <= 0 {
		pageSize = models.DefaultPageSize
	}
	l := logger.With().Str("component", "fetch").Logger()
	return &Orchestrator{pages: pages, pageSize: pageSize, logger: &l}
}

// FetchAll requests pages sequentially until the vendor reports no further
// pages or at least maxItems orders were collected. The cap is checked after
// each page, so the last page is always kept whole. A page that fails is
// dropped and the walk continues; an AuthError or cancellation ends it and
// returns what was collected so far alongside the error.
func (o *Orchestrator) FetchAll(
	ctx context.Context,
	accountID string,
	rng models.DateRange,
	filters Filters,
	maxItems int,
	onProgress func(PageProgress),
) (Result, error) {
	feed := filters.Feed
	if feed == "" {
		feed = vendor.FeedOpen
	}
	log := o.logger.With().Str("account_id", accountID).Str("feed", string(feed)).Logger()

	var (
		res        Result
		pageNumber = 1
		cursor     string
		totalPages int
		failStreak int
		seen       = make(map[string]struct{})
	)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		q := vendor.PageQuery{
			Range:      rng,
			DateField:  filters.DateField,
			PageNumber: pageNumber,
			PageSize:   o.pageSize,
			Cursor:     cursor,
			Filters:    filters.Extra,
		}
		res.Requests++
		page, err := o.pages.FetchPage(ctx, accountID, feed, q)
		if err != nil {
			var authErr *session.AuthError
			if errors.As(err, &authErr) {
				return res, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}

			res.FailedPages = append(res.FailedPages, PageFailure{Page: pageNumber, Cursor: cursor, Err: err})
			log.Warn().Err(err).Int("page", pageNumber).Msg("page dropped")

			if cursor != "" {
				log.Warn().Int("page", pageNumber).Msg("cannot advance past failed cursor page, stopping")
				break
			}
			failStreak++
			if totalPages > 0 && pageNumber >= totalPages {
				break
			}
			if totalPages == 0 && failStreak >= maxConsecutiveFailures {
				log.Warn().Int("failures", failStreak).Msg("too many consecutive page failures, stopping")
				break
			}
			pageNumber++
			continue
		}
		failStreak = 0
		res.Pages++

		for _, order := range page.Orders {
			if order.HasIdentity() {
				id := order.Identifier()
				if _, dup := seen[id]; dup {
					res.Duplicates++
					continue
				}
				seen[id] = struct{}{}
			}
			res.Orders = append(res.Orders, order)
		}
		if page.TotalPages > 0 {
			totalPages = page.TotalPages
		}

		if onProgress != nil {
			onProgress(PageProgress{Page: pageNumber, Fetched: len(res.Orders), TotalPages: totalPages})
		}
		log.Debug().
			Int("page", pageNumber).
			Int("page_items", len(page.Orders)).
			Int("fetched", len(res.Orders)).
			Msg("page fetched")

		if maxItems > 0 && len(res.Orders) >= maxItems {
			res.Capped = true
			break
		}
		if !page.HasMore {
			break
		}
		switch {
		case page.NextCursor != "":
			cursor = page.NextCursor
		case cursor != "":
			// A cursor walk without a next cursor is over.
			res.logDone(&log)
			return res, nil
		}
		pageNumber++
	}

	res.logDone(&log)
	return res, nil
}

func (r Result) logDone(log *zerolog.Logger) {
	log.Info().
		Int("orders", len(r.Orders)).
		Int("pages", r.Pages).
		Int("failed_pages", len(r.FailedPages)).
		Bool("capped", r.Capped).
		Msg("fetch finished")
}
