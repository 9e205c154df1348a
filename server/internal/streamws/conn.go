package streamws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"voicefeed/server/internal/backoff"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWatchdogTimeout 入站静默多久视为连接已死（不依赖传输层 close）。
	DefaultWatchdogTimeout = 60 * time.Second
	handshakeTimeout       = 15 * time.Second
)

// Config 持久连接的配置。
type Config struct {
	// Name 日志前缀（如 "Misskey" / "Bridge"）。
	Name string
	URL  string
	// Header 建连时附带的 HTTP 头（可为 nil）。
	Header http.Header
	// SubscribePayload 连接建立后发送的订阅消息；nil 表示没有显式订阅步骤
	// （桥接进程隐式转发全部消息）。
	SubscribePayload func() []byte
	// WatchdogTimeout 看门狗超时，0 取 DefaultWatchdogTimeout。
	WatchdogTimeout time.Duration
	// Backoff 重连退避策略，nil 取默认（1s 起步、60s 封顶）。
	Backoff *backoff.Policy
}

// Callbacks 由上层 adapter 注入。回调在连接自己的 goroutine 上串行调用。
type Callbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Conn 实现两个流式 adapter 共用的持久连接模式：
//   - 看门狗：每条入站消息（含订阅确认）重置计时，超时强制关闭套接字；
//   - 重连：关闭时若消费者仍在，按指数退避重连，成功打开后计数归零；
//   - Disconnect：同步取消全部挂起计时器并停止一切重试
//     （会话停止后不允许任何计时器复活它）。
type Conn struct {
	cfg       Config
	callbacks Callbacks
	logger    *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	wanted    bool
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	policy    *backoff.Policy
	watchdog  *time.Timer
	reconnect *time.Timer
}

// New 创建持久连接（不发起连接，Connect 才开始）。
func New(cfg Config, callbacks Callbacks, logger *logrus.Logger) *Conn {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Conn{cfg: cfg, callbacks: callbacks, logger: logger, policy: cfg.Backoff}
}

// Connect 注册消费者并在后台发起第一次拨号。
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.wanted {
		c.mu.Unlock()
		return
	}
	c.wanted = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	go c.dial(runCtx)
}

// Disconnect 注销消费者：取消所有挂起计时器、关闭套接字、停止重试。
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.connected = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// IsConnected 返回当前是否有打开的连接。
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) dial(ctx context.Context) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			c.logger.Debugf("[%s] dial failed: HTTP %d: %v", c.cfg.Name, resp.StatusCode, err)
		} else {
			c.logger.Debugf("[%s] dial failed: %v", c.cfg.Name, err)
		}
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	if !c.wanted {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	// 成功打开：退避计数归零，武装看门狗
	c.policy.Reset()
	c.watchdog = time.AfterFunc(c.cfg.WatchdogTimeout, func() { c.watchdogExpired(conn) })
	c.mu.Unlock()

	c.logger.Infof("[%s] connected to %s", c.cfg.Name, c.cfg.URL)

	if c.cfg.SubscribePayload != nil {
		if payload := c.cfg.SubscribePayload(); payload != nil {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warnf("[%s] subscribe send failed: %v", c.cfg.Name, err)
			}
		}
	}
	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen()
	}

	c.readLoop(ctx, conn)
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(ctx, conn, err)
			return
		}

		// 每条入站消息都喂狗（订阅确认也算）
		c.mu.Lock()
		if c.watchdog != nil {
			c.watchdog.Reset(c.cfg.WatchdogTimeout)
		}
		c.mu.Unlock()

		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(data)
		}
	}
}

// watchdogExpired 看门狗超时：强制关闭套接字，
// 让 readLoop 的错误路径统一处理（close 事件不会自己来的连接也被发现）。
func (c *Conn) watchdogExpired(conn *websocket.Conn) {
	c.logger.Warnf("[%s] watchdog expired, force-closing silent connection", c.cfg.Name)
	conn.Close()
}

func (c *Conn) handleClosed(ctx context.Context, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	wanted := c.wanted
	c.mu.Unlock()

	conn.Close()

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debugf("[%s] connection closed: %v", c.cfg.Name, err)
	}
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose(err)
	}

	if wanted {
		c.scheduleReconnect(ctx)
	}
}

func (c *Conn) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.wanted || ctx.Err() != nil {
		return
	}

	delay := c.policy.Next()
	c.logger.Infof("[%s] reconnecting in %s (attempt %d)", c.cfg.Name, delay, c.policy.Attempts())
	c.reconnect = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		c.dial(ctx)
	})
}
