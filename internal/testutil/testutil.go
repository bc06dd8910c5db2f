// Package testutil provides test helpers for melisma tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertStrings, Eventually)
//   - store_helpers.go: database test setup (NewTestStore)
//
// Fakes for the auth and remote boundaries live in the mailtest subpackage.
package testutil
