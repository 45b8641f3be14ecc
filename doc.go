// Package chao assembles the realtime WebSocket gateway into a runnable
// application: engine, cluster backend, event store, archiver and tracing
// wired from a single Config.
//
// # Basic Usage
//
// Run the built-in server with defaults:
//
//	app, err := chao.New(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Run(":8080"); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until SIGINT/SIGTERM or a manual Shutdown, then drains
// sessions and closes every component in order.
//
// # Custom HTTP Layer
//
// Skip the built-in server and mount the upgrade endpoint yourself:
//
//	app, _ := chao.New(cfg)
//	if err := app.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    app.HandleUpgrade(w, r)
//	})
//
// # Clustering
//
// Point multiple instances at the same Redis to form a cluster; instance
// IDs must be stable and unique:
//
//	app, err := chao.New(&chao.Config{
//	    Gateway: chao.GatewayConfig{InstanceID: "node-1"},
//	    Cluster: &cluster.Config{Addr: "redis:6379"},
//	})
//
// Cross-instance broadcast, offline message persistence and cluster-wide
// stats come for free; when Redis is unreachable the instance keeps
// serving local traffic in degraded mode.
package chao
