// Package gateway implements the core realtime WebSocket gateway for Chao.
//
// # Features
//
//   - Session registry with atomic capacity limits and user/tenant indexes
//   - Channel subscriptions with access control and history replay
//   - Rooms with a fixed role hierarchy and permission checks
//   - Scoped broadcasting (global/tenant/channel/user/session/role/permission)
//     with best-effort, reliable and guaranteed delivery modes
//   - Typed event system with filtered subscriptions, persistence and replay
//   - Pluggable cluster backend for multi-instance fan-out
//   - Connection and message rate limiting with violation escalation
//   - Graceful shutdown with timeout control
//
// # Basic Usage
//
// Create an engine, register handlers, and mount the upgrade endpoint:
//
//	engine, err := gateway.New(
//	    gateway.WithMaxConnections(10000),
//	    gateway.WithHeartbeatInterval(30 * time.Second),
//	    gateway.WithRequireAuth(true),
//	    gateway.WithAuth(myAuth),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Custom message handler with generics
//	gateway.Handle[ChatRequest, ChatResponse](engine.Router(), "chat.send",
//	    func(s *gateway.Session, req *ChatRequest) (*ChatResponse, error) {
//	        return &ChatResponse{OK: true}, nil
//	    })
//
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    engine.HandleUpgrade(w, r)
//	})
//
//	// Graceful shutdown
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	engine.Shutdown(ctx)
//
// # Wire Protocol
//
// Every frame is a JSON envelope:
//
//	{
//	    "type": "channel_message",
//	    "data": {"text": "hello"},
//	    "room": "orders",
//	    "timestamp": 1730000000000,
//	    "message_id": "msg_..."
//	}
//
// Built-in client verbs: ping, auth, subscribe, unsubscribe and
// channel_message. Unknown types are routed to registered handlers;
// unhandled types produce an error frame without closing the connection.
//
// # Channels and Rooms
//
// Channels are named streams with optional access constraints and a
// bounded history ring that is replayed on subscribe:
//
//	engine.Channels().GetOrCreateChannel("orders", gateway.ChannelOptions{
//	    Public:      false,
//	    RequiredRoles: []string{"trader", "auditor"}, // any-of
//	})
//
// Rooms extend channels with per-member roles (owner, admin, moderator,
// member, guest, muted) and moderation operations:
//
//	room, err := engine.Channels().CreateRoom(owner, "deal-42", gateway.RoomOptions{})
//	err = engine.Channels().JoinRoom(s, "deal-42", gateway.RoleMember)
//	err = engine.Channels().KickMember(admin, "deal-42", target.ID)
//
// # Broadcasting
//
// Server-side pushes go through scoped targets. Role targets cover
// sessions holding any of the given roles, permission targets require
// all listed permissions; the same semantics apply to the corresponding
// filters, which narrow the resolved audience of any scope:
//
//	res, err := engine.Broadcast(ctx, gateway.ToTenant("acme"),
//	    gateway.NewMessage("announcement", payload),
//	    gateway.WithMode(gateway.ModeReliable),
//	    gateway.WithFilters(gateway.RoleFilter("admin", "operator")),
//	)
//
// The result accounts for every resolved target:
// Delivered + Failed == TotalTargets - FilteredOut.
//
// # Events
//
// Lifecycle events (session, channel, room) and application events share
// one bus. Sessions subscribe with filters; high-priority events and
// events carrying a TTL are persisted and can be replayed:
//
//	subID, err := engine.Events().Subscribe(s.ID, gateway.SubscriptionFilter{
//	    Types:       []gateway.EventType{gateway.EventRoomJoined},
//	    MinPriority: gateway.PriorityNormal,
//	})
//
//	n, err := engine.Events().Replay(ctx, s.ID, since, nil, 100)
//
// # Multi-Instance Deployment
//
// Configure a Backend to fan broadcasts out across instances. Envelopes
// carry the source instance id for echo suppression; when the backend is
// unreachable the engine degrades to local-only delivery and keeps
// serving its own sessions:
//
//	engine, _ := gateway.New(
//	    gateway.WithBackend(redisBackend),
//	)
//
// # Monitoring
//
// Implement the Metrics interface to export counters to your metrics
// system; the default is a no-op. Stats() and HealthCheck() expose
// instance-level snapshots for operational endpoints.
//
// # Concurrency Safety
//
// All public APIs are concurrency-safe. The registry owns sessions via
// sync.Map with atomic counters; channels and rooms hold session ids
// only and resolve through the registry; each session serializes writes
// through a single writer goroutine with dual send queues.
package gateway
