// Package cache provides a client-side query cache with request deduplication,
// stale-while-revalidate reads, prefix invalidation and dependent queries.
//
// # Overview
//
// A QueryCache keeps one entry per distinct Key. Consumers observe entries
// through Subscriptions; the cache decides when to call the Fetcher:
//
//   - Key: structural identifier, e.g. NewKey("customers", 0, 25)
//   - Fetcher: resolves a key to data, called at most once concurrently per key
//   - Subscription: disposable handle that receives Snapshots
//   - InvalidationBus: marks entries stale by key prefix and refetches observed ones
//   - Mutation: imperative write that invalidates prefixes on success
//   - Resolver: enables a subscription only while a predicate holds
//
// # Basic Usage
//
//	qc, err := cache.New(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer qc.Close()
//
//	sub, err := qc.Subscribe(cache.QueryOptions{
//		Key:     cache.NewKey("customers", 0, 25),
//		Fetcher: listCustomers,
//		OnChange: func(s cache.Snapshot) {
//			render(s.Status, s.Data, s.Err)
//		},
//	})
//	if err != nil {
//		return err
//	}
//	defer sub.Close()
//
// Imperative reads wait for the outcome instead:
//
//	page, err := cache.GetOrFetch[CustomerPage](ctx, qc, key, listCustomers)
//
// # Entry State Machine
//
// Entries start idle, move to loading when a fetch is dispatched and settle in
// success or error. A failed refetch never discards data: the entry stays in
// success with Err attached. Error is only reached when no data was ever
// resolved. Retries are bounded by Config.Retry.
//
// # Ordering
//
// Every dispatch increments a per-key sequence number. A completion is applied
// only if it belongs to the latest dispatched request, so a slow request can
// never overwrite the result of a newer one. Requests abandoned because the
// last subscriber left, or superseded by invalidation, are dropped on arrival;
// the transport call itself is not cancelled.
//
// # Retention
//
// By default entries are evicted as soon as their last subscriber leaves.
// Config.Retention.Window keeps them in a bounded store for a grace period so
// rapid resubscription is served from memory.
//
// # See Also
//
// The pagination package derives page keys, and the retail package shows a
// complete set of queries and mutations built on this package.
package cache
