// Package proxy holds the proxyfeed data model: MTProto proxy records, the
// pool they are collected in, and the ledger of recently distributed batches.
//
// A Proxy is identified by (host, port, secret). Records are plain values:
// deduplication replaces a record, it never merges fields of two records.
// The helpers in this package are pure and never touch storage.
package proxy
