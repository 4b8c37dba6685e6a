// Package cdc provides the public types and interfaces for consuming a
// partitioned store's change feed.
//
// The feed is read in one of two modes. Incremental returns only the latest
// state of each changed record; FullFidelity returns every create, replace and
// delete together with the previous image of the record.
//
// Key Components:
//   - Event: closed set of feed items (Record, Created, Replaced, Deleted, Malformed)
//   - Cursor / StartPosition: opaque continuation tokens and start policies
//   - Store / FeedIterator: the store contract and its pull-based iterator
//   - PageResult: Page, NoNewData or TransientFailure, each with a resumable cursor
//   - Interpret: pure classification into Upsert, DeleteExplicit or DeleteByExpiry
//   - Sink: receiver of interpreted changes
package cdc
