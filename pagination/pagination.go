// Package pagination derives offset/limit query keys from page state and
// keeps a single cache subscription on the current page.
package pagination

import (
	"sync"

	"github.com/goliatone/go-query-sync/cache"
)

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 25

// PageSizeOptions lists the page sizes offered to users.
var PageSizeOptions = []int{10, 25, 50, 100}

// State is the consumer owned pagination state. Page is 1 based.
type State struct {
	Page     int
	PageSize int
}

// Offset returns the number of items before the first item of the page.
func (s State) Offset() int {
	if s.Page < 1 || s.PageSize < 1 {
		return 0
	}
	return (s.Page - 1) * s.PageSize
}

// Range returns the 1 based positions of the first and last item shown on
// the page, or 0, 0 when there are no items.
func (s State) Range(totalItems int) (start, end int) {
	if totalItems <= 0 || s.PageSize < 1 {
		return 0, 0
	}
	start = s.Offset() + 1
	end = min(s.Page*s.PageSize, totalItems)
	if start > end {
		return 0, 0
	}
	return start, end
}

// DeriveKey appends the offset and limit for (page, pageSize) to base.
// Page is clamped to 1 and a non-positive pageSize falls back to
// DefaultPageSize.
func DeriveKey(base cache.Key, page, pageSize int) cache.Key {
	st := normalize(State{Page: page, PageSize: pageSize})
	return base.Append(st.Offset(), st.PageSize)
}

// TotalPages returns ceil(totalItems / pageSize), 0 when there are no items.
func TotalPages(totalItems, pageSize int) int {
	if totalItems <= 0 || pageSize <= 0 {
		return 0
	}
	return (totalItems + pageSize - 1) / pageSize
}

func normalize(s State) State {
	if s.PageSize < 1 {
		s.PageSize = DefaultPageSize
	}
	if s.Page < 1 {
		s.Page = 1
	}
	return s
}

// Controller owns page state for one paged list. Every mutation leaves the
// state consistent before listeners run: SetPageSize resets the page in the
// same step, so no (newSize, oldPage) combination is ever observable.
type Controller struct {
	base cache.Key

	mu        sync.Mutex
	state     State
	total     int
	known     bool
	listeners map[uint64]func(State)
	next      uint64
}

// NewController returns a controller on page 1.
func NewController(base cache.Key, pageSize int) *Controller {
	return &Controller{
		base:      base,
		state:     normalize(State{Page: 1, PageSize: pageSize}),
		listeners: make(map[uint64]func(State)),
	}
}

// Base returns the key prefix pages are derived from.
func (c *Controller) Base() cache.Key { return c.base }

// State returns the current page state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Key returns the key of the current page.
func (c *Controller) Key() cache.Key {
	st := c.State()
	return DeriveKey(c.base, st.Page, st.PageSize)
}

// Total returns the last reported item count and whether one was reported.
func (c *Controller) Total() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.known
}

// TotalPages returns the page count for the reported total.
func (c *Controller) TotalPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TotalPages(c.total, c.state.PageSize)
}

// SetPage moves to page, clamped to 1 and, once a total is known, to the
// last page. It reports whether the state changed.
func (c *Controller) SetPage(page int) bool {
	return c.update(func(s *State) {
		s.Page = c.clampLocked(page, s.PageSize)
	})
}

// SetPageSize changes the page size and resets to page 1.
func (c *Controller) SetPageSize(size int) bool {
	if size < 1 {
		return false
	}
	return c.update(func(s *State) {
		s.PageSize = size
		s.Page = 1
	})
}

// SetTotal records the item count reported by the backend. If the current
// page no longer exists it moves to the last page.
func (c *Controller) SetTotal(total int) bool {
	if total < 0 {
		total = 0
	}
	return c.update(func(s *State) {
		c.total, c.known = total, true
		s.Page = c.clampLocked(s.Page, s.PageSize)
	})
}

// Next advances one page unless already on the last known page.
func (c *Controller) Next() bool {
	return c.update(func(s *State) {
		s.Page = c.clampLocked(s.Page+1, s.PageSize)
	})
}

// Prev goes back one page unless already on page 1.
func (c *Controller) Prev() bool {
	return c.update(func(s *State) {
		s.Page = c.clampLocked(s.Page-1, s.PageSize)
	})
}

// OnChange registers fn, called with the new state on the goroutine that
// changed it. The returned function removes fn.
func (c *Controller) OnChange(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) clampLocked(page, size int) int {
	if c.known {
		if last := TotalPages(c.total, size); last > 0 && page > last {
			page = last
		}
	}
	if page < 1 {
		page = 1
	}
	return page
}

func (c *Controller) update(fn func(*State)) bool {
	c.mu.Lock()
	before := c.state
	fn(&c.state)
	after := c.state
	if before == after {
		c.mu.Unlock()
		return false
	}
	fns := make([]func(State), 0, len(c.listeners))
	for _, l := range c.listeners {
		fns = append(fns, l)
	}
	c.mu.Unlock()

	for _, l := range fns {
		l(after)
	}
	return true
}
