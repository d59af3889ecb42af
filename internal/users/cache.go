package users

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CachedDirectory memoizes username lookups for a bounded time. Concurrent
// misses for the same username share one backend query. Email lookups pass
// through so login always sees the current password hash.
//
// A shared lookup runs detached from the context of the caller that started
// it, bounded by its own timeout, so one cancelled request cannot fail the
// others waiting on the same username.
type CachedDirectory struct {
	next    Directory
	cache   *expirable.LRU[string, User]
	group   singleflight.Group
	timeout time.Duration
}

var _ Directory = (*CachedDirectory)(nil)

// DefaultLookupTimeout bounds a shared backend lookup when none is given.
const DefaultLookupTimeout = 5 * time.Second

// NewCachedDirectory wraps next with an LRU of size entries living for ttl.
// Backend lookups are limited to timeout, or DefaultLookupTimeout when it is
// not positive.
func NewCachedDirectory(next Directory, size int, ttl, timeout time.Duration) *CachedDirectory {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &CachedDirectory{
		next:    next,
		cache:   expirable.NewLRU[string, User](size, nil, ttl),
		timeout: timeout,
	}
}

func (c *CachedDirectory) FindByUsername(ctx context.Context, username string) (User, error) {
	if u, ok := c.cache.Get(username); ok {
		return u, nil
	}

	ch := c.group.DoChan(username, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		u, err := c.next.FindByUsername(lookupCtx, username)
		if err != nil {
			return User{}, err
		}
		c.cache.Add(username, u)
		return u, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return User{}, res.Err
		}
		return res.Val.(User), nil
	case <-ctx.Done():
		return User{}, ctx.Err()
	}
}

func (c *CachedDirectory) FindByEmail(ctx context.Context, email string) (User, error) {
	return c.next.FindByEmail(ctx, email)
}

// Purge drops every cached entry.
func (c *CachedDirectory) Purge() {
	c.cache.Purge()
}
