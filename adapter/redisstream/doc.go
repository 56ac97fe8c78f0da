// Package redisstream provides a Redis Streams transport for xgate.
//
// Transport name: "redis-streams"
//
// Each queue is a stream and each subscription group a consumer group.
// A subscription handles one entry at a time. Nacked entries stay pending
// and are read again after redelivery_delay; entries left pending by a
// dead consumer are claimed after claim_min_idle.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - consumer: consumer name (default "xgate-<host>-<pid>")
// - batch_size: XREADGROUP COUNT (default 64)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream receiving nacked entries instead of redelivery (optional)
//
// Example builder usage:
//
//	broker, _ := xgate.NewBrokerBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "consumer":    "gateway-a",
//	        "block":       "5s",
//	        "dead_letter": "xgate-dlq",
//	    }).
//	    Build()
package redisstream
