// Package testinfra starts throwaway PostgreSQL and MongoDB containers for
// integration tests. Every file is behind the "integration" build tag:
//
//	go test -tags integration ./...
//
// Tests skip cleanly when Docker is not available.
package testinfra
