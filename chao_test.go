package chao

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tokmz/chao/pkg/archive"
	"github.com/tokmz/chao/pkg/cluster"
	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
	"github.com/tokmz/chao/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testGateway 构建静默日志的应用，清理时关闭
func testGateway(t *testing.T, cfg *Config) *Gateway {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app
}

// testClusterConfig 指向必然拒绝连接的地址，空闲连接为零避免预热 goroutine
func testClusterConfig(instanceID string) *cluster.Config {
	cc := cluster.DefaultConfig()
	cc.InstanceID = instanceID
	cc.Addr = "127.0.0.1:1"
	cc.MinIdleConns = 0
	cc.DialTimeout = 500 * time.Millisecond
	return cc
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, "/healthz", cfg.Server.HealthPath)
	assert.Equal(t, "/stats", cfg.Server.StatsPath)
	assert.Equal(t, 15*time.Second, cfg.Shutdown.Timeout)
	assert.Nil(t, cfg.Cluster)
	assert.Nil(t, cfg.Archive)
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Addr: ":9000"}}
	cfg.applyDefaults()

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 15*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, 1<<20, cfg.Server.MaxHeaderBytes)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unsupported mode", func(c *Config) { c.Mode = "verbose" }},
		{"database store without store config", func(c *Config) { c.Gateway.EventStore = EventStoreDatabase }},
		{"redis store without cluster config", func(c *Config) { c.Gateway.EventStore = EventStoreRedis }},
		{"unknown event store", func(c *Config) { c.Gateway.EventStore = "etcd" }},
		{"cluster without instance id", func(c *Config) { c.Cluster = cluster.DefaultConfig() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	// 实例标识写在 Cluster 一侧也行
	cfg.Cluster = testClusterConfig("node_b")
	require.NoError(t, cfg.Validate())
}

func TestNewDefaults(t *testing.T) {
	app := testGateway(t, nil)

	assert.NotNil(t, app.Engine())
	assert.Nil(t, app.Backend())
	assert.True(t, strings.HasPrefix(app.InstanceID(), "node_"), "generated instance id: %s", app.InstanceID())

	stats := app.Stats()
	require.NotNil(t, stats)
	assert.Zero(t, stats.ActiveConnections)
	assert.False(t, stats.Clustered)
}

func TestNewNilConfig(t *testing.T) {
	app, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", app.Config().Server.Addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&Config{Mode: "verbose"})
	require.Error(t, err)

	_, err = New(&Config{Gateway: GatewayConfig{EventStore: EventStoreDatabase}})
	require.Error(t, err)
}

func TestNewInjectedLogger(t *testing.T) {
	log := logger.Nop()
	app := testGateway(t, &Config{Logger: log})
	assert.Same(t, log, app.Logger())
}

func TestNewAppliesGatewayConfig(t *testing.T) {
	app := testGateway(t, &Config{
		Gateway: GatewayConfig{
			InstanceID:        "node_cfg",
			MaxConnections:    321,
			HeartbeatInterval: 7 * time.Second,
			ConnectionTimeout: 21 * time.Second,
			MessageSizeLimit:  4096,
			MessageTTL:        time.Minute,
			RequireAuth:       true,
			TenantIsolation:   true,
			Options: []gateway.Option{
				gateway.WithMaxViolations(9),
			},
		},
	})

	ec := app.Engine().Config()
	assert.Equal(t, "node_cfg", ec.InstanceID)
	assert.Equal(t, 321, ec.MaxConnections)
	assert.Equal(t, 7*time.Second, ec.HeartbeatInterval)
	assert.Equal(t, 21*time.Second, ec.ConnectionTimeout)
	assert.Equal(t, int64(4096), ec.MaxMessageSize)
	assert.Equal(t, time.Minute, ec.MessageTTL)
	assert.True(t, ec.RequireAuth)
	assert.True(t, ec.TenantIsolation)
	assert.Equal(t, 9, ec.MaxViolations)
}

func TestNewEventStoreSelection(t *testing.T) {
	t.Run("memory with explicit capacity", func(t *testing.T) {
		app := testGateway(t, &Config{
			Gateway: GatewayConfig{EventStore: EventStoreMemory, MaxPersistedEvents: 12},
		})
		_, ok := app.Engine().Config().EventStore.(*gateway.MemoryEventStore)
		assert.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		app := testGateway(t, &Config{
			Gateway: GatewayConfig{InstanceID: "node_es", EventStore: EventStoreRedis},
			Cluster: testClusterConfig("node_es"),
		})
		_, ok := app.Engine().Config().EventStore.(*cluster.EventStore)
		assert.True(t, ok)
	})

	t.Run("database with invalid store config", func(t *testing.T) {
		// DSN 为空在拨号前就报错
		_, err := New(&Config{
			Logger:  logger.Nop(),
			Gateway: GatewayConfig{EventStore: EventStoreDatabase},
			Store:   &store.Config{},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "init event store")
	})
}

func TestNewArchiverDegradesWhenBrokerDown(t *testing.T) {
	ac := archive.DefaultConfig()
	ac.Brokers = []string{"127.0.0.1:1"}

	app := testGateway(t, &Config{Archive: ac})
	assert.Nil(t, app.archiver, "unreachable broker should disable archiving, not fail construction")
}

func TestDegradedClusterMode(t *testing.T) {
	app := testGateway(t, &Config{
		Gateway: GatewayConfig{InstanceID: "node_deg"},
		Cluster: testClusterConfig("node_deg"),
	})
	require.NotNil(t, app.Backend())

	// Redis 不可达时仍然启动，本地投递不受影响
	require.NoError(t, app.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := app.HealthCheck(ctx)
	assert.Equal(t, gateway.StatusDegraded, h.Status)
	assert.Equal(t, "unavailable", h.Backend)
	assert.True(t, app.Stats().Clustered)
}

func TestShutdownIdempotent(t *testing.T) {
	var before, after int
	app := testGateway(t, &Config{
		Shutdown: ShutdownConfig{
			BeforeShutdown: func() { before++ },
			AfterShutdown:  func() { after++ },
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, app.Shutdown(ctx))

	assert.Equal(t, 1, before)
	assert.Equal(t, 1, after)
}

func TestBuiltinRoutes(t *testing.T) {
	app := testGateway(t, &Config{
		Mode:   "test",
		Server: ServerConfig{WSPath: "/socket", HealthPath: "/live", StatsPath: "/metrics"},
	})
	require.NoError(t, app.Start())

	srv := httptest.NewServer(app.buildRouter())
	t.Cleanup(srv.Close)

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/live")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var h gateway.Health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		assert.Equal(t, gateway.StatusHealthy, h.Status)
		assert.Equal(t, "disabled", h.Backend)
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var payload map[string]*gateway.Stats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Contains(t, payload, "gateway")
		assert.Equal(t, app.InstanceID(), payload["gateway"].InstanceID)
		assert.NotContains(t, payload, "cluster")
	})

	t.Run("upgrade rejects plain http", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/socket")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	http.DefaultClient.CloseIdleConnections()
}

func TestWebSocketRoundtrip(t *testing.T) {
	app := testGateway(t, nil)
	require.NoError(t, app.Start())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.HandleUpgrade(w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	data, err := gateway.NewMessage(gateway.TypePing, nil).Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var pong gateway.Message
	require.NoError(t, json.Unmarshal(frame, &pong))
	assert.Equal(t, gateway.TypePong, pong.Type)

	assert.Equal(t, 1, app.Stats().ActiveConnections)
}

func TestRunAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	app := testGateway(t, nil)
	err = app.Run(ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}

func TestRunManualShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	app := testGateway(t, &Config{Mode: "test"})

	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(addr) }()

	client := &http.Client{Timeout: time.Second}
	t.Cleanup(client.CloseIdleConnections)
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
