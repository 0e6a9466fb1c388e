// Package memory provides in-process implementations of the dwayauth
// persistence contracts. They are safe for concurrent use and honour the
// same atomicity guarantees as the relational store, which makes them
// suitable for tests, local development and the load generator.
package memory
