// Package testutil provides shared storage fixtures for tests across the
// module. Every generated record carries the same client and user identity,
// so fixtures from different generators reference each other out of the box:
// the client fixture is the client every token fixture was issued to.
package testutil
