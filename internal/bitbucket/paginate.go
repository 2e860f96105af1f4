package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/metrics"
)

// ErrPageDropped is yielded once when a page could not be fetched. The
// sequence ends after it; items already yielded remain valid.
var ErrPageDropped = errors.New("page dropped")

type page struct {
	Values        []json.RawMessage `json:"values"`
	IsLastPage    bool              `json:"isLastPage"`
	NextPageStart *int              `json:"nextPageStart"`
}

// Paginate walks a start/limit paged listing. Each call restarts from offset
// zero. The sequence ends when the server reports the last page, when a page
// is empty and carries no continuation hint, or when a page fetch fails, in
// which case (nil, ErrPageDropped) is yielded last.
//
// A server that never reports the last page while returning items keeps the
// sequence going.
func (c *Client) Paginate(ctx context.Context, path string, params url.Values) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		start := 0
		for {
			q := url.Values{}
			for k, v := range params {
				q[k] = append([]string(nil), v...)
			}
			q.Set("limit", strconv.Itoa(c.pageSize))
			q.Set("start", strconv.Itoa(start))

			res := c.Get(ctx, path, q)
			var pg page
			if !res.OK() {
				c.dropPage(path, start, nil)
				yield(nil, fmt.Errorf("%s start=%d: %w", path, start, ErrPageDropped))
				return
			}
			if err := res.Decode(&pg); err != nil {
				c.dropPage(path, start, err)
				yield(nil, fmt.Errorf("%s start=%d: %w", path, start, ErrPageDropped))
				return
			}
			for _, v := range pg.Values {
				if !yield(v, nil) {
					return
				}
			}
			if pg.IsLastPage {
				return
			}
			switch {
			case pg.NextPageStart != nil:
				start = *pg.NextPageStart
			case len(pg.Values) == 0:
				return
			default:
				start += len(pg.Values)
			}
		}
	}
}

func (c *Client) dropPage(path string, start int, err error) {
	metrics.ObservePageDropped()
	fields := []zap.Field{zap.String("path", path), zap.Int("start", start)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Warn("page dropped, listing truncated", fields...)
}
