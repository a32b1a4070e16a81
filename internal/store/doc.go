// Package store declares the persistence interfaces the crawl and query
// pipelines depend on: feed whitelist, crawl/shard/seen-url state, and the
// normalized alert documents. Implementations live under internal/storage;
// this package must not import database drivers or concrete clients.
package store
