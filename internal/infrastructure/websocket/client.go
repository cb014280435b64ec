package websocket

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/events"
)

var log = logrus.WithField("component", "venue_ws")

// Client 管理交易所私有流的单一长连接
// 生命周期：Connecting → Authenticating → Subscribing → Streaming
// 断线后进入 Reconnecting 并以指数退避无限重试；认证被拒绝则直接失败
type Client struct {
	// 连接相关
	conn   *websocket.Conn
	connMu sync.Mutex
	url    string
	config *Config
	creds  Credentials

	running   bool
	runningMu sync.RWMutex

	// 订阅的主题（execution / order / position）
	topics []string

	// 状态机
	state   ConnState
	stateMu sync.RWMutex

	// 输出通道
	frameChan chan *RawFrame
	eventChan chan interface{}
	errChan   chan error

	// 生命周期管理
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	// 重连状态
	reconnectAttempts int
	reconnectMu       sync.Mutex
	lastActivity      time.Time
	lastActivityMu    sync.RWMutex
}

// NewClient 创建私有流客户端
// url: 交易所私有流地址；topics: 需要订阅的主题列表
func NewClient(url string, creds Credentials, topics []string, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		config:    config,
		creds:     creds,
		topics:    append([]string(nil), topics...),
		state:     StateDisconnected,
		frameChan: make(chan *RawFrame, config.FrameBufferSize),
		eventChan: make(chan interface{}, config.EventBufferSize),
		errChan:   make(chan error, config.ErrorBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start 建立连接并开始监听
// 初次连接失败（含认证被拒）直接返回错误，不进入重试
func (c *Client) Start(ctx context.Context) error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return errors.New("websocket client already running")
	}
	c.running = true
	c.runningMu.Unlock()

	if ctx != nil {
		c.ctx, c.cancel = context.WithCancel(ctx)
	}

	if err := c.connect(); err != nil {
		c.runningMu.Lock()
		c.running = false
		c.runningMu.Unlock()
		return errors.Wrap(err, "initial connect")
	}

	go c.readLoop()
	go c.pingLoop()

	log.Infof("已连接私有流 %s，主题 %v", c.url, c.topics)
	return nil
}

// Stop 优雅关闭连接
func (c *Client) Stop() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	c.runningMu.Unlock()

	c.cancel()
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("关闭超时")
	}

	c.setState(StateDisconnected, nil)
	log.Info("私有流已停止")
}

// Frames 返回数据帧通道
func (c *Client) Frames() <-chan *RawFrame {
	return c.frameChan
}

// Events 返回连接事件通道（ConnStateEvent / StreamGapEvent）
func (c *Client) Events() <-chan interface{} {
	return c.eventChan
}

// Errors 返回错误通道
func (c *Client) Errors() <-chan error {
	return c.errChan
}

// State 返回当前连接状态
func (c *Client) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsRunning 检查客户端是否正在运行
func (c *Client) IsRunning() bool {
	c.runningMu.RLock()
	defer c.runningMu.RUnlock()
	return c.running
}

// setState 切换状态并对外发布 ConnStateEvent
func (c *Client) setState(next ConnState, cause error) {
	c.stateMu.Lock()
	prev := c.state
	c.state = next
	c.stateMu.Unlock()

	if prev == next {
		return
	}
	ev := events.ConnStateEvent{
		From:      prev.String(),
		To:        next.String(),
		Timestamp: time.Now(),
	}
	if cause != nil {
		ev.Err = cause.Error()
	}
	select {
	case c.eventChan <- ev:
	default:
	}
}

// connect 建立连接、认证并订阅主题
func (c *Client) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.setState(StateConnecting, nil)

	dialer := newDialer(c.config)
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		c.setState(StateDisconnected, err)
		return errors.Wrap(err, "dial")
	}

	// 认证：签名内容为 "GET/realtime{expires}"，expires 为毫秒时间戳
	c.setState(StateAuthenticating, nil)
	expires := time.Now().Add(c.config.AuthExpiresAhead).UnixMilli()
	payload := "GET/realtime" + strconv.FormatInt(expires, 10)
	authMsg := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{c.creds.APIKey, expires, sign(payload, c.creds.APISecret)},
	}
	if err := writeJSONWithDeadline(conn, authMsg, c.config.ControlTimeout); err != nil {
		conn.Close()
		c.setState(StateDisconnected, err)
		return errors.Wrap(err, "send auth")
	}
	if err := c.awaitControlAck(conn, "auth"); err != nil {
		conn.Close()
		c.setState(StateDisconnected, err)
		return err
	}

	// 订阅：重连时必须先于数据消费完成，避免吃到旧连接的残留帧
	c.setState(StateSubscribing, nil)
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": c.topics,
	}
	if err := writeJSONWithDeadline(conn, subMsg, c.config.ControlTimeout); err != nil {
		conn.Close()
		c.setState(StateDisconnected, err)
		return errors.Wrap(err, "send subscribe")
	}
	if err := c.awaitControlAck(conn, "subscribe"); err != nil {
		conn.Close()
		c.setState(StateDisconnected, err)
		return err
	}

	conn.SetReadDeadline(time.Time{})
	c.conn = conn
	c.touchActivity()
	c.setState(StateStreaming, nil)
	return nil
}

// awaitControlAck 同步等待指定 op 的确认帧
// 期间到达的数据帧照常转发，不会丢失
func (c *Client) awaitControlAck(conn *websocket.Conn, op string) error {
	deadline := time.Now().Add(c.config.ControlTimeout)
	for {
		conn.SetReadDeadline(deadline)
		_, message, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrapf(err, "await %s ack", op)
		}

		var ctrl controlMsg
		if err := json.Unmarshal(message, &ctrl); err != nil || ctrl.Op == "" {
			c.dispatchFrame(message)
			continue
		}
		if ctrl.Op != op {
			continue
		}
		if ctrl.Success != nil && !*ctrl.Success {
			if op == "auth" {
				return errors.Wrapf(ErrAuthFailed, "%s", ctrl.RetMsg)
			}
			return errors.Errorf("%s rejected: %s", op, ctrl.RetMsg)
		}
		return nil
	}
}

// readLoop 读取循环
func (c *Client) readLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.runningMu.RLock()
		running := c.running
		c.runningMu.RUnlock()
		if !running {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("连接正常关闭")
				return
			}
			c.runningMu.RLock()
			running = c.running
			c.runningMu.RUnlock()
			if !running {
				return
			}
			log.Warnf("读取错误: %v, 重连中...", err)
			c.setState(StateReconnecting, err)
			if !c.reconnect() {
				return
			}
			continue
		}

		c.touchActivity()
		c.handleMessage(message)
	}
}

// pingLoop 心跳循环
// 定期发送 {"op":"ping"}；若超过 HeartbeatTimeout 未收到任何服务端消息
// 则主动关闭连接，交由 readLoop 触发重连
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runningMu.RLock()
			running := c.running
			c.runningMu.RUnlock()
			if !running {
				return
			}

			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				continue
			}

			c.lastActivityMu.RLock()
			idle := time.Since(c.lastActivity)
			c.lastActivityMu.RUnlock()
			if idle > c.config.HeartbeatTimeout {
				log.Warnf("心跳超时（%v 无服务端活动），强制断开重连", idle.Round(time.Second))
				c.connMu.Lock()
				if c.conn != nil {
					c.conn.Close()
					c.conn = nil
				}
				c.connMu.Unlock()
				continue
			}

			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				log.Warnf("ping 发送失败: %v", err)
			}
		}
	}
}

// reconnect 指数退避重连，认证被拒绝时放弃
// 返回 false 表示客户端应当终止
func (c *Client) reconnect() bool {
	c.reconnectMu.Lock()
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	c.reconnectMu.Unlock()

	delay := backoffDelay(attempts, c.config.ReconnectDelayMin, c.config.ReconnectDelayMax)
	log.Infof("%v 后重连 (第 %d 次)...", delay.Round(time.Millisecond), attempts)

	select {
	case <-c.ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(delay):
	}

	if err := c.connect(); err != nil {
		if errors.Is(err, ErrAuthFailed) {
			// 凭证失效不会因重试而恢复
			log.Errorf("认证被拒绝，终止: %v", err)
			select {
			case c.errChan <- err:
			default:
			}
			c.runningMu.Lock()
			c.running = false
			c.runningMu.Unlock()
			return false
		}
		log.Warnf("重连失败: %v", err)
		return true
	}

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()

	// 断线期间的成交不会重放，必须对外标记流缺口触发对账
	gap := events.StreamGapEvent{
		Reason:    "reconnected after stream drop",
		Timestamp: time.Now(),
	}
	select {
	case c.eventChan <- gap:
	default:
		log.Error("事件通道已满，流缺口事件被丢弃")
	}
	log.Info("重连成功，已恢复订阅")
	return true
}

// handleMessage 分拣一条服务端消息
func (c *Client) handleMessage(data []byte) {
	var ctrl controlMsg
	if err := json.Unmarshal(data, &ctrl); err == nil && (ctrl.Op != "" || ctrl.RetMsg == "pong") {
		// pong / 迟到的控制面确认，记录活动时间即可
		return
	}
	c.dispatchFrame(data)
}

// dispatchFrame 解析数据帧外层并投递
func (c *Client) dispatchFrame(data []byte) {
	var frame topicFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Topic == "" {
		return
	}
	raw := &RawFrame{
		Topic:      frame.Topic,
		Data:       frame.Data,
		ReceivedAt: time.Now(),
	}
	select {
	case c.frameChan <- raw:
	default:
		select {
		case c.errChan <- fmt.Errorf("数据帧通道已满，丢弃 %s 帧", frame.Topic):
		default:
		}
	}
}

func (c *Client) touchActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

// newDialer 按配置构造拨号器，配置了代理时通过代理建连
func newDialer(config *Config) websocket.Dialer {
	dialer := websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout}
	if config.ProxyURL != "" {
		if u, err := url.Parse(config.ProxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(u)
		} else {
			log.Warnf("代理地址非法，忽略: %v", err)
		}
	}
	return dialer
}

// backoffDelay 指数退避 + 抖动
func backoffDelay(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := min << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	// 抖动最多 25%，避免成批重连打在同一时刻
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// sign 生成 HMAC-SHA256 十六进制签名
func sign(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// writeJSONWithDeadline 带写超时发送 JSON 消息
func writeJSONWithDeadline(conn *websocket.Conn, v interface{}, timeout time.Duration) error {
	conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}
