package gateway

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 会话所需的传输能力，*websocket.Conn 直接满足
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
	RemoteAddr() net.Addr
}

// sessionConfig 会话运行参数，由网关配置派生
type sessionConfig struct {
	SendQueueSize     int
	SendHighQueueSize int
	WriteWait         time.Duration
	PongWait          time.Duration
	MaxMessageSize    int64
}

// Session 一条活跃的 WebSocket 连接及其状态
// 由 Registry 独占持有，频道/房间只保存会话 ID。
type Session struct {
	ID   string
	conn Conn

	// 发送队列
	send     chan []byte
	sendHigh chan []byte // 高优先级队列（系统帧：pong、错误、认证响应）

	// 身份，认证成功后由 Registry 写入
	identityMu sync.RWMutex
	userID     string
	tenantID   string
	principal  Principal

	// 元数据
	metadata sync.Map

	// 订阅的频道名集合
	channels sync.Map // channel name -> struct{}

	// 心跳
	connectedAt   time.Time
	lastHeartbeat atomic.Int64 // Unix 毫秒

	// 生命周期
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	writeDone chan struct{} // 标记 writePump 已退出

	// 关闭帧参数，必须在 cancel() 之前写入
	closeCode   int
	closeReason string

	// 无效消息与软限流违规计数
	invalidMsgCount atomic.Int32
	violations      atomic.Int32

	remoteAddr string

	// 回调，由网关在创建时注入
	handler func(*Session, *Message)
	onClose func(*Session)

	config sessionConfig
}

// SessionOption 会话选项
type SessionOption func(*Session)

// WithSessionID 设置会话 ID
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		s.ID = id
	}
}

// WithIdentity 设置初始身份（token 在握手阶段已校验的场景）
func WithIdentity(userID, tenantID string, principal Principal) SessionOption {
	return func(s *Session) {
		s.userID = userID
		s.tenantID = tenantID
		if principal != nil {
			s.principal = principal
		}
	}
}

// WithSessionMetadata 设置元数据
func WithSessionMetadata(key string, value any) SessionOption {
	return func(s *Session) {
		s.metadata.Store(key, value)
	}
}

// newSession 创建会话
func newSession(parent context.Context, conn Conn, config sessionConfig, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		ID:          generateSessionID(),
		conn:        conn,
		send:        make(chan []byte, config.SendQueueSize),
		sendHigh:    make(chan []byte, config.SendHighQueueSize),
		principal:   Anonymous,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		writeDone:   make(chan struct{}),
		closeCode:   CloseNormal,
		config:      config,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remoteAddr = addr.String()
	}

	// 应用选项
	for _, opt := range opts {
		opt(s)
	}

	// 初始化心跳时间
	s.lastHeartbeat.Store(time.Now().UnixMilli())

	return s
}

// Run 运行读写协程，阻塞直到会话结束
func (s *Session) Run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.readPump()
	}()

	go func() {
		defer wg.Done()
		s.writePump()
	}()

	wg.Wait()
	s.Close(CloseNormal, "")
}

// readPump 读取入站帧并交给路由
func (s *Session) readPump() {
	defer func() {
		s.Close(CloseNormal, "")
	}()

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.Touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				return
			}

			// 任何入站帧都算活跃
			s.Touch()

			msg, err := DecodeMessage(data)
			if err != nil {
				count := s.invalidMsgCount.Add(1)
				if count > 10 {
					// 超过阈值，关闭连接
					return
				}
				_ = s.sendSystem(errorMessage(CodeValidation, "invalid message format"))
				continue
			}

			// 成功解析，重置计数器
			s.invalidMsgCount.Store(0)

			if s.handler != nil {
				s.handler(s, msg)
			}
			releaseMessage(msg)
		}
	}
}

// writePump 写出出站帧
// 唯一的写协程，保证单会话投递顺序为 FIFO。
func (s *Session) writePump() {
	defer func() {
		s.conn.Close()
		close(s.writeDone) // 标记 writePump 已退出
	}()

	for {
		select {
		case <-s.ctx.Done():
			// 尝试发送关闭帧，忽略错误
			payload := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			_ = s.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(s.config.WriteWait))
			return

		case data, ok := <-s.sendHigh:
			// 高优先级帧
			if !ok {
				return
			}
			if err := s.writeFrame(data); err != nil {
				return
			}

		case data, ok := <-s.send:
			// 普通帧
			if !ok {
				return
			}
			if err := s.writeFrame(data); err != nil {
				return
			}
		}
	}
}

// writeFrame 写出单帧
func (s *Session) writeFrame(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue 非阻塞入队普通帧
func (s *Session) enqueue(data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// enqueueHigh 非阻塞入队高优先级帧
func (s *Session) enqueueHigh(data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	select {
	case s.sendHigh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendMessage 发送消息帧
func (s *Session) SendMessage(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// sendSystem 发送系统帧（pong、错误、认证响应）
func (s *Session) sendSystem(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.enqueueHigh(data)
}

// Ping 发送心跳 ping，由 Registry 的心跳循环调用
// WriteControl 可与 writePump 并发使用。
func (s *Session) Ping() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteWait))
}

// Close 关闭会话，幂等
// 传输关闭会使 readPump 解除阻塞，onClose 回调只触发一次。
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		// 关闭帧参数需先于 cancel() 写入，writePump 在 Done 之后读取
		s.closeCode = code
		s.closeReason = reason
		s.cancel()

		// 关闭连接（会触发 readPump 退出）
		s.conn.Close()

		// 等待 writePump 退出后再关闭通道，使用超时避免永久阻塞
		go func() {
			select {
			case <-s.writeDone:
				// writePump 已退出，安全关闭 channel
				close(s.send)
				close(s.sendHigh)
			case <-time.After(5 * time.Second):
				// 超时保护：writePump 可能未启动，直接关闭
				close(s.send)
				close(s.sendHigh)
			}
		}()

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// IsClosed 检查是否已关闭
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Touch 更新心跳时间
func (s *Session) Touch() {
	s.lastHeartbeat.Store(time.Now().UnixMilli())
}

// LastHeartbeat 最近一次心跳时间
func (s *Session) LastHeartbeat() time.Time {
	return time.UnixMilli(s.lastHeartbeat.Load())
}

// ConnectedAt 连接建立时间
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// setIdentity 写入认证身份，由 Registry 调用以保持索引一致
func (s *Session) setIdentity(userID, tenantID string, principal Principal) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	s.userID = userID
	s.tenantID = tenantID
	if principal != nil {
		s.principal = principal
	} else {
		s.principal = NewStaticPrincipal(nil, nil)
	}
}

// UserID 用户 ID，未认证时为空
func (s *Session) UserID() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.userID
}

// TenantID 租户 ID，未认证时为空
func (s *Session) TenantID() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.tenantID
}

// Principal 能力对象，未认证时为 Anonymous
func (s *Session) Principal() Principal {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.principal
}

// Authenticated 是否已认证
func (s *Session) Authenticated() bool {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.userID != ""
}

// GetMetadata 获取元数据
func (s *Session) GetMetadata(key string) (any, bool) {
	return s.metadata.Load(key)
}

// SetMetadata 设置元数据
func (s *Session) SetMetadata(key string, value any) {
	s.metadata.Store(key, value)
}

// addChannel 记录订阅，由频道管理器调用以保持双向一致
func (s *Session) addChannel(name string) {
	s.channels.Store(name, struct{}{})
}

// removeChannel 移除订阅记录
func (s *Session) removeChannel(name string) {
	s.channels.Delete(name)
}

// Channels 当前订阅的频道名列表
func (s *Session) Channels() []string {
	names := make([]string, 0, 8)
	s.channels.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

// AddViolation 累计一次软限流违规，返回累计值
func (s *Session) AddViolation() int32 {
	return s.violations.Add(1)
}

// ResetViolations 清零违规计数
func (s *Session) ResetViolations() {
	s.violations.Store(0)
}

// RemoteAddr 远程地址
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// ClientIP 去掉端口的客户端 IP，作为连接限流的 key
func (s *Session) ClientIP() string {
	host, _, err := net.SplitHostPort(s.remoteAddr)
	if err != nil {
		return s.remoteAddr
	}
	return host
}
