package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestNew 测试创建 Logger
func TestNew(t *testing.T) {
	l, err := New(&Config{Level: InfoLevel, Format: JSONFormat, Console: true})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, InfoLevel, l.Level())
}

// TestNewWithNilConfig 测试 nil 配置走默认值
func TestNewWithNilConfig(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, l)
}

// TestNewWithOptions 测试 Options 模式
func TestNewWithOptions(t *testing.T) {
	l, err := NewWithOptions(
		WithLevel(DebugLevel),
		WithFormat(ConsoleFormat),
		WithConsoleOutput(),
		WithCaller(true),
	)
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, l.Level())
}

// TestFileOutput 测试文件输出
func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gateway.log")

	l, err := NewWithOptions(
		WithLevel(InfoLevel),
		WithFileOutput(file),
	)
	require.NoError(t, err)

	l.Info("session registered", zap.String("session_id", "sess-1"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session registered")
	assert.Contains(t, string(data), "sess-1")
}

// TestRotateOutput 测试轮转输出配置
func TestRotateOutput(t *testing.T) {
	dir := t.TempDir()
	l, err := NewWithOptions(
		WithRotateOutput(&RotateConfig{
			Filename: filepath.Join(dir, "rotate.log"),
			MaxSize:  1,
		}),
	)
	require.NoError(t, err)
	l.Info("rotating")
	require.NoError(t, l.Sync())
}

// TestSetLevel 测试动态调整级别
func TestSetLevel(t *testing.T) {
	l, err := New(&Config{Console: true})
	require.NoError(t, err)

	assert.Equal(t, InfoLevel, l.Level())
	l.SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, l.Level())
}

// TestParseLevel 测试级别解析
func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"info", InfoLevel, true},
		{"", InfoLevel, true},
		{"WARN", WarnLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"fatal", FatalLevel, true},
		{"verbose", InfoLevel, false},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if c.ok {
			require.NoError(t, err, c.in)
			assert.Equal(t, c.want, got, c.in)
		} else {
			assert.Error(t, err, c.in)
		}
	}
}

// TestContextFields 测试 Context 字段提取
func TestContextFields(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ctx.log")

	l, err := NewWithOptions(WithFileOutput(file))
	require.NoError(t, err)

	ctx := WithTraceID(context.Background(), "trace-abc")
	ctx = WithSessionID(ctx, "sess-9")
	ctx = WithTenantID(ctx, "tenant-1")

	l.InfoContext(ctx, "broadcast dispatched")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "trace-abc")
	assert.Contains(t, string(data), "sess-9")
	assert.Contains(t, string(data), "tenant-1")
}

// TestWithContext 测试带 Context 的子 Logger
func TestWithContext(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sub.log")

	l, err := NewWithOptions(WithFileOutput(file))
	require.NoError(t, err)

	ctx := WithSessionID(context.Background(), "sess-42")
	sub := l.WithContext(ctx)
	sub.Info("pump started")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sess-42")
}

// testHook 测试用 Hook
type testHook struct {
	entries []zapcore.Entry
}

func (h *testHook) OnWrite(entry zapcore.Entry, _ []zapcore.Field) error {
	h.entries = append(h.entries, entry)
	return nil
}

// TestHook 测试 Hook 机制
func TestHook(t *testing.T) {
	hook := &testHook{}
	l, err := NewWithOptions(
		WithConsoleOutput(),
		WithHook(hook),
	)
	require.NoError(t, err)

	l.Info("first")
	l.Warn("second")

	require.Len(t, hook.entries, 2)
	assert.Equal(t, "first", hook.entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, hook.entries[1].Level)
}

// TestNop 测试 Nop Logger
func TestNop(t *testing.T) {
	l := Nop()
	require.NotNil(t, l)
	l.Info("discarded")
	assert.NoError(t, l.Sync())
}
