// Package ws implements the real-time connection layer of relay: admission,
// room membership, presence, room broadcast and its fan-out across processes.
//
// # Components
//
//   - Registry: the single source of truth for connections, users and rooms.
//     All three indexes share one lock, so Admit, Remove, Join and Leave are
//     atomic with respect to each other. Membership and presence frames are
//     computed under the lock and delivered after it is released.
//   - Router: computes delivery sets and writes to local connections. A write
//     failure removes the connection instead of surfacing an error.
//   - Fanout: publishes every room, global and user-targeted delivery to a
//     shared bus and delivers envelopes published by other processes. It never
//     re-publishes. When the bus is unavailable the hub keeps serving local
//     connections.
//   - Guard: per-IP connection windows, per-connection message windows,
//     content validation and IP blocking.
//   - Collector: per-connection counters, one SessionSummary per connection.
//   - Reaper: removes connections idle beyond the configured timeout.
//   - Hub: wires the above together and owns the websocket upgrade.
//
// # Basic Usage
//
//	hub, err := ws.NewHub(
//	    ws.WithLogger(logger),
//	    ws.WithVerifier(verifier),
//	    ws.WithBus(bus.NewRedisBus(rdb)),
//	)
//	if err != nil {
//	    return err
//	}
//	go hub.Run(ctx)
//
//	r.GET("/ws", func(c *relay.Context) {
//	    _ = hub.HandleUpgrade(c.Writer, c.Request, c.ClientIP())
//	})
//
// # Wire Format
//
// Clients send the literal text "ping" to receive "pong", or JSON commands
// tagged by "action" (join_room, leave_room, room_message, direct_message).
// The server sends JSON frames carrying "type" and "timestamp" (unix ms).
//
// Admission failures close the socket with 1008 (policy violation) before any
// registry state exists. Server-initiated disconnects carry a reason string.
package ws
