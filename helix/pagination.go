package helix

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
)

// ErrNoMorePages is returned by Pager.Next once the server stops returning a
// cursor.
var ErrNoMorePages = errors.New("helix: no more pages")

// Pager walks a cursor-paginated endpoint lazily: each Next call performs
// one request, carrying the previous page's cursor as "after". A Pager is
// not restartable; create a new one to re-walk.
type Pager struct {
	client *Client
	ep     *Endpoint
	req    Request

	started bool
	cursor  string
	done    bool
}

// Paginate prepares a lazy walk over an endpoint's pages. No request happens
// until the first Next call.
func (c *Client) Paginate(ep *Endpoint, req Request) *Pager {
	return &Pager{client: c, ep: ep, req: req}
}

// Next fetches the next page, or ErrNoMorePages when the walk is complete.
func (p *Pager) Next(ctx context.Context) (*Response, error) {
	if p.done {
		return nil, ErrNoMorePages
	}
	req := p.req
	if p.started {
		req.After = p.cursor
	}
	resp, err := p.client.Do(ctx, p.ep, req)
	if err != nil {
		p.done = true
		return nil, err
	}
	p.started = true
	p.cursor = resp.Cursor
	if p.cursor == "" {
		p.done = true
	}
	return resp, nil
}

// Items yields the elements of every page's data array in order, fetching
// pages on demand. Iteration stops early on error; the error is yielded once
// with a nil item.
func (p *Pager) Items(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			resp, err := p.Next(ctx)
			if errors.Is(err, ErrNoMorePages) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			var items []json.RawMessage
			if len(resp.Data) > 0 {
				if err := json.Unmarshal(resp.Data, &items); err != nil {
					yield(nil, err)
					return
				}
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}
