// Package metastore holds the registry.Persister implementations: a single
// JSON document on disk, a PostgreSQL table and a Redis hash.
package metastore
