// Package cluster provides the Redis-backed scaling backend for the
// gateway.
//
// Each instance publishes broadcast envelopes to a shared pub/sub
// channel and keeps a TTL'd presence record in Redis. The receive loop
// drops echoes of its own envelopes, suppresses duplicate message ids
// with a rotating bloom filter, and hands the rest to the gateway for
// local delivery. Messages that cannot be delivered are parked in
// per-target lists with a TTL and drained when the target reconnects.
//
//	backend, err := cluster.New(&cluster.Config{
//	    InstanceID: "node_a",
//	    Addr:       "localhost:6379",
//	})
//	engine, err := gateway.New(gateway.WithBackend(backend))
//
// Redis being unreachable never takes the instance down: publish errors
// are counted and surfaced as ErrBackendUnavailable, and the engine
// keeps delivering to its own sessions.
package cluster
