// Package registry provides PostgreSQL-backed storage for user records.
// Each row carries the user's session status, the symmetric partner
// reference, the credit score and the timestamps driving verification
// freshness and the minimum-session credit rule.
package registry
