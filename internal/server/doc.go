// Package server implements the HTTP surface of the relay. It parses
// requests, hands uploads to the sanitizer, asks the registry for records
// and streams bytes out of the content store. It holds no state of its own
// beyond the per-IP rate limiter.
package server
