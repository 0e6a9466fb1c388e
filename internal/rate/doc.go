// Package rate implements Redis-backed request limits: an atomic sliding
// window over a sorted set and a fixed-window counter.
package rate
