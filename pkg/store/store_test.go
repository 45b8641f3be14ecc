package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DriverMySQL, cfg.Driver)
	assert.Equal(t, "random", cfg.ReplicaPolicy)
	assert.Equal(t, 10, cfg.MaxIdleConns)
	assert.Equal(t, 100, cfg.MaxOpenConns)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowThreshold)
	assert.Equal(t, 100_000, cfg.MaxEvents)
	assert.True(t, cfg.AutoMigrate)
	assert.True(t, cfg.PrepareStmt)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unsupported driver", func(c *Config) { c.Driver = "oracle" }},
		{"empty driver", func(c *Config) { c.Driver = "" }},
		{"missing dsn", func(c *Config) { c.DSN = "" }},
		{"bad replica policy", func(c *Config) { c.ReplicaPolicy = "sticky" }},
		{"negative max events", func(c *Config) { c.MaxEvents = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DSN = "user:pass@tcp(localhost:3306)/chao"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.DSN = "user:pass@tcp(localhost:3306)/chao"
	assert.NoError(t, cfg.Validate())

	// 空策略回退到默认随机
	cfg.ReplicaPolicy = ""
	assert.NoError(t, cfg.Validate())
}

func TestDialectorFor(t *testing.T) {
	for _, driver := range []Driver{DriverMySQL, DriverPostgres, DriverSQLite, DriverSQLServer} {
		d, err := dialectorFor(driver, "dsn")
		require.NoError(t, err, driver)
		require.NotNil(t, d, driver)
		assert.NotEmpty(t, d.Name(), driver)
	}

	d, err := dialectorFor("mongo", "dsn")
	assert.Error(t, err)
	assert.Nil(t, d)
}

func TestReplicaPolicy(t *testing.T) {
	assert.NotNil(t, policyFor("random"))
	assert.NotNil(t, policyFor("round_robin"))
	assert.NotNil(t, policyFor(""))
}

func TestEventRecordTableName(t *testing.T) {
	assert.Equal(t, "chao_events", EventRecord{}.TableName())
}

func TestEventRecordRoundtrip(t *testing.T) {
	ts := time.Now().Truncate(time.Millisecond)
	e := &gateway.Event{
		ID:            "evt-1",
		Type:          "order.created",
		Payload:       map[string]any{"order_id": "o-100", "amount": float64(42)},
		Priority:      gateway.PriorityHigh,
		TenantID:      "acme",
		UserID:        "u1",
		Room:          "orders",
		Metadata:      map[string]string{"source": "api"},
		Attempts:      2,
		CorrelationID: "corr-1",
		TTL:           time.Minute,
		Timestamp:     ts,
	}

	rec, err := toRecord(e)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", rec.EventID)
	assert.Equal(t, "order.created", rec.Type)
	assert.Equal(t, int(gateway.PriorityHigh), rec.Priority)
	assert.Equal(t, int64(time.Minute), rec.TTL)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, ts.Add(time.Minute), *rec.ExpiresAt)

	got, err := rec.toEvent()
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.Payload, got.Payload)
	assert.Equal(t, e.Priority, got.Priority)
	assert.Equal(t, e.TenantID, got.TenantID)
	assert.Equal(t, e.UserID, got.UserID)
	assert.Equal(t, e.Room, got.Room)
	assert.Equal(t, e.Metadata, got.Metadata)
	assert.Equal(t, e.Attempts, got.Attempts)
	assert.Equal(t, e.CorrelationID, got.CorrelationID)
	assert.Equal(t, e.TTL, got.TTL)
	assert.True(t, e.Timestamp.Equal(got.Timestamp))
}

func TestEventRecordNoTTL(t *testing.T) {
	rec, err := toRecord(&gateway.Event{ID: "evt-2", Type: "ping", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Nil(t, rec.ExpiresAt)
	assert.Empty(t, rec.Payload)
	assert.Empty(t, rec.Metadata)

	got, err := rec.toEvent()
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
	assert.Nil(t, got.Metadata)
	assert.False(t, got.Expired(time.Now().Add(24*time.Hour)))
}

func TestEventRecordBadColumns(t *testing.T) {
	rec := &EventRecord{EventID: "evt-3", Payload: "{not json"}
	_, err := rec.toEvent()
	assert.Error(t, err)

	rec = &EventRecord{EventID: "evt-4", Metadata: "[broken"}
	_, err = rec.toEvent()
	assert.Error(t, err)
}

func TestGormLoggerLevels(t *testing.T) {
	gl := newGormLogger(logger.Nop(), 100*time.Millisecond)

	silenced := gl.LogMode(gormlogger.Silent)
	assert.NotSame(t, gl, silenced)

	// 空实现日志下仅验证不 panic
	ctx := t.Context()
	gl.Info(ctx, "info %s", "x")
	gl.Warn(ctx, "warn %s", "x")
	gl.Error(ctx, "error %s", "x")
	gl.Trace(ctx, time.Now().Add(-time.Second), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
	silenced.Trace(ctx, time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
}

func TestNewEventStoreValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = ""
	_, err := NewEventStore(cfg)
	assert.Error(t, err)

	_, err = NewEventStoreWithDB(nil, 0, nil)
	assert.Error(t, err)
}
