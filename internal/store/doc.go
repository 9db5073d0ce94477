// SPDX-License-Identifier: MPL-2.0

// Package store implements the on-disk content-addressed cache.
//
// Layout under the cache directory:
//
//	objects/<algorithm>/<hex>   fetched resources
//	trees/<algorithm>/<hex>     extracted archives
//	tmp/                        staging area, same filesystem as the above
//	index.db                    SQLite index (size, origin, usage times)
//
// Content is written to tmp/ first and published with a single rename, so a
// reader never observes a partially written entry.
package store
