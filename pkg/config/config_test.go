package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
gateway:
  instance_id: node_a
  max_connections: 9100
  ping_interval: 30s
  require_auth: true
  channels:
    - updates
    - alerts
cluster:
  addr: localhost:6379
  key_prefix: chao
log:
  level: info
  fields:
    service: chao
    env: test
`

func writeTestConfig(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

func TestNew(t *testing.T) {
	c := New()
	assert.NotNil(t, c)
	assert.NotNil(t, c.viper)
	assert.False(t, c.autoWatch)
	assert.Equal(t, "CHAO", c.envPrefix)
}

func TestNewWithOptions(t *testing.T) {
	c := New(
		WithAutoWatch(true),
		WithEnvPrefix("GW"),
	)
	assert.NotNil(t, c)
	assert.True(t, c.autoWatch)
	assert.Equal(t, "GW", c.envPrefix)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	err := c.Load()
	require.NoError(t, err)

	assert.Equal(t, "node_a", c.GetString("gateway.instance_id"))
	assert.Equal(t, 9100, c.GetInt("gateway.max_connections"))
}

func TestLoadWithNameAndPaths(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir, "chao.yaml", testYAML)

	c := New(
		WithConfigName("chao"),
		WithConfigType("yaml"),
		WithConfigPaths(dir),
	)
	err := c.Load()
	require.NoError(t, err)

	assert.Equal(t, "node_a", c.GetString("gateway.instance_id"))
}

func TestGetters(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	assert.Equal(t, "node_a", c.GetString("gateway.instance_id"))
	assert.Equal(t, "", c.GetString("nonexistent"))
	assert.Equal(t, 9100, c.GetInt("gateway.max_connections"))
	assert.True(t, c.GetBool("gateway.require_auth"))
	assert.Equal(t, 30*time.Second, c.GetDuration("gateway.ping_interval"))
	assert.Equal(t, []string{"updates", "alerts"}, c.GetStringSlice("gateway.channels"))
	assert.Equal(t, map[string]string{"service": "chao", "env": "test"}, c.GetStringMapString("log.fields"))
}

func TestGenericGet(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	assert.Equal(t, "node_a", Get[string](c, "gateway.instance_id"))
	assert.True(t, Get[bool](c, "gateway.require_auth"))

	// 类型不匹配返回零值
	assert.Equal(t, 0.0, Get[float64](c, "gateway.instance_id"))
	assert.Equal(t, "", Get[string](c, "nonexistent"))
}

func TestSetAndIsSet(t *testing.T) {
	c := New()
	assert.False(t, c.IsSet("gateway.instance_id"))

	c.Set("gateway.instance_id", "node_b")
	assert.True(t, c.IsSet("gateway.instance_id"))
	assert.Equal(t, "node_b", c.GetString("gateway.instance_id"))
}

func TestAllSettings(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	all := c.AllSettings()
	assert.Contains(t, all, "gateway")
	assert.Contains(t, all, "cluster")
}

func TestSub(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	sub := c.Sub("cluster")
	require.NotNil(t, sub)
	assert.Equal(t, "localhost:6379", sub.GetString("addr"))
	assert.Equal(t, "chao", sub.GetString("key_prefix"))

	assert.Nil(t, c.Sub("nonexistent"))
}

func TestUnmarshalKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	var gw struct {
		InstanceID     string        `mapstructure:"instance_id"`
		MaxConnections int           `mapstructure:"max_connections"`
		PingInterval   time.Duration `mapstructure:"ping_interval"`
		RequireAuth    bool          `mapstructure:"require_auth"`
		Channels       []string      `mapstructure:"channels"`
	}
	require.NoError(t, c.UnmarshalKey("gateway", &gw))

	assert.Equal(t, "node_a", gw.InstanceID)
	assert.Equal(t, 9100, gw.MaxConnections)
	assert.Equal(t, 30*time.Second, gw.PingInterval)
	assert.True(t, gw.RequireAuth)
	assert.Equal(t, []string{"updates", "alerts"}, gw.Channels)
}

func TestWithDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(
		WithConfigFile(cfgPath),
		WithDefaults(map[string]any{
			"gateway.instance_id": "node_default",
			"gateway.batch_size":  200,
		}),
	)
	require.NoError(t, c.Load())

	// 文件值覆盖默认值，缺省键取默认值
	assert.Equal(t, "node_a", c.GetString("gateway.instance_id"))
	assert.Equal(t, 200, c.GetInt("gateway.batch_size"))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CHAO_GATEWAY_INSTANCE_ID", "node_env")

	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	assert.Equal(t, "node_env", c.GetString("gateway.instance_id"))
}

func TestEnvPrefixCustom(t *testing.T) {
	t.Setenv("GW_CLUSTER_ADDR", "redis:6380")

	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath), WithEnvPrefix("GW"))
	require.NoError(t, c.Load())

	assert.Equal(t, "redis:6380", c.GetString("cluster.addr"))
}

func TestConfigFileNotFound(t *testing.T) {
	c := New(WithConfigFile("/nonexistent/config.yaml"))
	err := c.Load()
	assert.Error(t, err)
}

func TestConfigFileNotFoundByName(t *testing.T) {
	c := New(
		WithConfigName("missing"),
		WithConfigType("yaml"),
		WithConfigPaths(t.TempDir()),
	)
	err := c.Load()
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestWatchOnChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	var fired atomic.Bool
	c := New(
		WithConfigFile(cfgPath),
		WithAutoWatch(true),
		WithOnChange(func() { fired.Store(true) }),
	)
	require.NoError(t, c.Load())
	defer c.Close()

	// 等 watcher 就绪后再改文件
	time.Sleep(100 * time.Millisecond)
	writeTestConfig(t, dir, "config.yaml", strings.Replace(testYAML, "9100", "9200", 1))

	require.Eventually(t, func() bool { return fired.Load() }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, 9200, c.GetInt("gateway.max_connections"))
}

func TestStartStopWatch(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())
	assert.False(t, c.watching)

	require.NoError(t, c.StartWatch())
	assert.True(t, c.watching)

	// 重复启动幂等
	require.NoError(t, c.StartWatch())

	c.StopWatch()
	assert.False(t, c.watching)
}

func TestOnErrorCallback(t *testing.T) {
	var got atomic.Value
	c := New(WithOnError(func(err error) { got.Store(err) }))

	c.reportError(ErrConfigReadFailed)
	err, ok := got.Load().(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrConfigReadFailed)
}

func TestConcurrentAccess(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "config.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.GetString("gateway.instance_id")
				_ = c.GetInt("gateway.max_connections")
			}
		}()
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("scratch.key", n)
			}
		}(i)
	}
	wg.Wait()
}

func TestViper(t *testing.T) {
	c := New()
	assert.NotNil(t, c.Viper())
	assert.Same(t, c.viper, c.Viper())
}
