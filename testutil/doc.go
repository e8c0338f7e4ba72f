// Package testutil provides shared test infrastructure: context helpers,
// assertions, and testutil/mocks.MockAdapter, so each package's tests don't
// reimplement the same scaffolding.
package testutil
