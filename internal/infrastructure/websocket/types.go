// Package websocket 提供交易所私有数据流 WebSocket 客户端（需要认证）
// 提供账户相关的实时数据，包括成交、订单、持仓等
package websocket

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ConnState 连接状态机状态
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateReconnecting
)

// String 返回状态名
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrAuthFailed 认证被交易所拒绝（凭证无效），不可重试
var ErrAuthFailed = errors.New("websocket auth rejected")

// Credentials API 凭证
type Credentials struct {
	APIKey    string
	APISecret string
}

// Config WebSocket 客户端配置
type Config struct {
	// 心跳
	PingInterval     time.Duration // 发送 {"op":"ping"} 的间隔
	HeartbeatTimeout time.Duration // 超过该时长未收到任何服务端活动则判定连接死亡

	// 重连退避
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration

	// 连接
	HandshakeTimeout time.Duration
	ControlTimeout   time.Duration // 认证/订阅确认的等待超时
	AuthExpiresAhead time.Duration // 认证 expires 相对当前时间的提前量
	ProxyURL         string        // HTTP 代理地址（为空则直连）

	// 通道缓冲
	FrameBufferSize int
	EventBufferSize int
	ErrorBufferSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		PingInterval:      20 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		ReconnectDelayMin: 1 * time.Second,
		ReconnectDelayMax: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ControlTimeout:    10 * time.Second,
		AuthExpiresAhead:  10 * time.Second,
		FrameBufferSize:   1024,
		EventBufferSize:   64,
		ErrorBufferSize:   16,
	}
}

// RawFrame 一条带主题的数据帧，交由上游归一化
type RawFrame struct {
	Topic      string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// controlMsg 交易所控制面响应（auth / subscribe / pong）
type controlMsg struct {
	Op      string `json:"op"`
	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	ConnID  string `json:"conn_id,omitempty"`
}

// topicFrame 交易所数据帧外层
type topicFrame struct {
	Topic        string          `json:"topic"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}
