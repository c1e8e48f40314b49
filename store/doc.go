// Package store defines the aggregate persistence interface.
//
// Each subsystem (job, task, credit, dlq) defines its own store
// interface. The composite [Store] composes them all. A single backend
// need only implement Store to satisfy every subsystem's persistence
// contract.
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/redis — Redis backend using go-redis/v9
//
// # Usage
//
//	import "github.com/gigwork/conveyor/store/redis"
//
//	s, err := redis.New(ctx, "redis://localhost:6379/0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
package store
