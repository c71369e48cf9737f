// Package types defines the shared error taxonomy of the BitAgent engine.
//
// Every error surfaced across a package boundary carries an ErrorCode so
// callers can branch on classification (retryable vs terminal, structural
// vs runtime) without string matching.
package types
