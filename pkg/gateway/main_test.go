package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/tokmz/chao/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig 单元测试共享配置
func testConfig() *Config {
	config := DefaultConfig()
	config.InstanceID = "node_a"
	config.Logger = logger.Nop()
	config.Metrics = &NoopMetrics{}
	return config
}

// testSessionConfig 会话运行参数
func testSessionConfig() sessionConfig {
	return sessionConfig{
		SendQueueSize:     64,
		SendHighQueueSize: 16,
		WriteWait:         time.Second,
		PongWait:          5 * time.Second,
		MaxMessageSize:    64 * 1024,
	}
}

// readResult 注入 fakeConn 的入站帧
type readResult struct {
	messageType int
	data        []byte
	err         error
}

// frameRecord 记录 fakeConn 写出的帧
type frameRecord struct {
	messageType int
	data        []byte
}

// fakeConn 进程内 Conn 实现
type fakeConn struct {
	mu          sync.Mutex
	frames      []frameRecord
	controls    []frameRecord
	readLimit   int64
	pongHandler func(string) error
	writeErr    error

	reads     chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads: make(chan readResult, 32),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		return r.messageType, r.data, r.err
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, frameRecord{
		messageType: messageType,
		data:        append([]byte(nil), data...),
	})
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, frameRecord{
		messageType: messageType,
		data:        append([]byte(nil), data...),
	})
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64) {
	c.mu.Lock()
	c.readLimit = limit
	c.mu.Unlock()
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pongHandler = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}

// setWriteError 后续 WriteMessage 返回该错误
func (c *fakeConn) setWriteError(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// getPongHandler 取当前注册的 pong 回调
func (c *fakeConn) getPongHandler() func(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongHandler
}

// inject 注入一条入站消息
func (c *fakeConn) inject(t *testing.T, msg *Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal inject message: %v", err)
	}
	c.injectRaw(data)
}

func (c *fakeConn) injectRaw(data []byte) {
	c.reads <- readResult{messageType: websocket.TextMessage, data: data}
}

// sentMessages 已写出的数据帧
func (c *fakeConn) sentMessages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Message, 0, len(c.frames))
	for _, f := range c.frames {
		if f.messageType != websocket.TextMessage {
			continue
		}
		m := &Message{}
		if err := json.Unmarshal(f.data, m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// sentOfType 某类型的已写出帧
func (c *fakeConn) sentOfType(msgType string) []*Message {
	var out []*Message
	for _, m := range c.sentMessages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// controlFrames 已写出的控制帧类型列表
func (c *fakeConn) controlFrames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int, 0, len(c.controls))
	for _, f := range c.controls {
		out = append(out, f.messageType)
	}
	return out
}

// controlRecords 已写出的控制帧完整记录
func (c *fakeConn) controlRecords() []frameRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frameRecord(nil), c.controls...)
}

// newTestSession 创建未运行读写协程的会话，适合纯状态测试
func newTestSession(opts ...SessionOption) (*Session, *fakeConn) {
	conn := newFakeConn()
	s := newSession(context.Background(), conn, testSessionConfig(), opts...)
	return s, conn
}

// startSession 创建并运行会话，测试结束时自动关闭
// handler 必须在读协程启动前注入，可为 nil。
func startSession(t *testing.T, handler func(*Session, *Message), opts ...SessionOption) (*Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	s := newSession(context.Background(), conn, testSessionConfig(), opts...)
	s.handler = handler

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	t.Cleanup(func() {
		s.Close(CloseNormal, "test teardown")
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("session pumps did not stop")
		}
	})
	return s, conn
}

// drainQueue 读空一个发送队列并解码
func drainQueue(ch chan []byte) []*Message {
	var out []*Message
	for {
		select {
		case data := <-ch:
			m := &Message{}
			if err := json.Unmarshal(data, m); err == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

// tokenAuth 固定 token 表的认证实现
func tokenAuth(users map[string]*AuthResult) Auth {
	return AuthFunc(func(_ context.Context, token string) (*AuthResult, error) {
		if res, ok := users[token]; ok {
			return res, nil
		}
		return &AuthResult{Success: false, Error: "unknown token"}, nil
	})
}

// fakeBackend 记录型集群后端
type fakeBackend struct {
	mu         sync.Mutex
	published  []*BackendEnvelope
	stored     map[string][]*Message
	handler    func(*BackendEnvelope)
	healthy    bool
	publishErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		stored:  make(map[string][]*Message),
		healthy: true,
	}
}

func (b *fakeBackend) Publish(_ context.Context, env *BackendEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, env)
	return nil
}

func (b *fakeBackend) Subscribe(handler func(*BackendEnvelope)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *fakeBackend) StoreMessage(_ context.Context, key string, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored[key] = append(b.stored[key], msg.Clone())
	return nil
}

func (b *fakeBackend) PendingMessages(_ context.Context, key string) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.stored[key]
	delete(b.stored, key)
	return out, nil
}

func (b *fakeBackend) Instances(context.Context) ([]string, error) {
	return []string{"node_a"}, nil
}

func (b *fakeBackend) Healthy(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

func (b *fakeBackend) Start(context.Context) error { return nil }

func (b *fakeBackend) Close() error { return nil }

// publishedEnvelopes 已转发的信封快照
func (b *fakeBackend) publishedEnvelopes() []*BackendEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*BackendEnvelope(nil), b.published...)
}

// storedMessages key 下持久化的消息快照
func (b *fakeBackend) storedMessages(key string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Message(nil), b.stored[key]...)
}

// emitRemote 模拟其他实例发布的信封到达本实例
func (b *fakeBackend) emitRemote(env *BackendEnvelope) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (b *fakeBackend) setHealthy(healthy bool) {
	b.mu.Lock()
	b.healthy = healthy
	b.mu.Unlock()
}
