// Package id generates the identifiers used for monitoring sessions.
//
// Identifiers are UUIDv4 bytes encoded as lowercase base32 (RFC 4648) with
// no padding, so they are 26 characters long and safe in file paths.
package id
