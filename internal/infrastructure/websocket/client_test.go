package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/betbot/fillsync/internal/events"
)

func TestConnState_String(t *testing.T) {
	cases := map[ConnState]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateSubscribing:    "subscribing",
		StateStreaming:      "streaming",
		StateReconnecting:   "reconnecting",
		ConnState(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	min, max := 1*time.Second, 30*time.Second

	for attempt, base := range map[int]time.Duration{
		1: 1 * time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		6: 30 * time.Second, // 封顶
	} {
		d := backoffDelay(attempt, min, max)
		if d < base || d > base+base/4 {
			t.Fatalf("attempt %d: delay=%v, want [%v, %v]", attempt, d, base, base+base/4)
		}
	}
}

func TestSign(t *testing.T) {
	got := sign("GET/realtime1700000000000", "secret")
	if len(got) != 64 {
		t.Fatalf("sign 输出长度 = %d, want 64（hex 编码的 SHA256）", len(got))
	}
	if got != sign("GET/realtime1700000000000", "secret") {
		t.Fatal("同样输入的签名必须一致")
	}
	if got == sign("GET/realtime1700000000000", "other") {
		t.Fatal("不同密钥不应产生相同签名")
	}
}

func TestNewDialer_Proxy(t *testing.T) {
	config := DefaultConfig()
	if d := newDialer(config); d.Proxy != nil {
		t.Fatal("未配置代理时应直连")
	}

	config.ProxyURL = "http://127.0.0.1:7890"
	d := newDialer(config)
	if d.Proxy == nil {
		t.Fatal("配置了代理时 dialer 应携带代理")
	}
	u, err := d.Proxy(&http.Request{})
	if err != nil || u == nil || u.Host != "127.0.0.1:7890" {
		t.Fatalf("proxy = %v err=%v, want 127.0.0.1:7890", u, err)
	}

	// 非法代理地址忽略，不阻断建连
	config.ProxyURL = "://bad"
	if d := newDialer(config); d.Proxy != nil {
		t.Fatal("非法代理地址应被忽略")
	}
}

func TestDispatchFrame(t *testing.T) {
	c := NewClient("ws://unused", Credentials{}, []string{"execution"}, nil)

	c.dispatchFrame([]byte(`{"topic":"execution","creationTime":1700000000000,"data":[{"execId":"e1"}]}`))
	select {
	case frame := <-c.Frames():
		if frame.Topic != "execution" {
			t.Fatalf("topic = %q", frame.Topic)
		}
		var rows []map[string]string
		if err := json.Unmarshal(frame.Data, &rows); err != nil || len(rows) != 1 {
			t.Fatalf("data 透传失败: %v %v", err, rows)
		}
	default:
		t.Fatal("expected frame")
	}

	// 无主题的消息不是数据帧
	c.dispatchFrame([]byte(`{"op":"pong"}`))
	select {
	case frame := <-c.Frames():
		t.Fatalf("不应产生帧: %+v", frame)
	default:
	}
}

func TestHandleMessage_ControlIgnored(t *testing.T) {
	c := NewClient("ws://unused", Credentials{}, []string{"execution"}, nil)

	c.handleMessage([]byte(`{"op":"pong","success":true}`))
	c.handleMessage([]byte(`{"ret_msg":"pong"}`))
	select {
	case frame := <-c.Frames():
		t.Fatalf("控制帧不应转发: %+v", frame)
	default:
	}
}

// fakeVenue 最小化的交易所私有流模拟：auth → subscribe → 推一帧
func fakeVenue(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := gws.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// auth
		var auth struct {
			Op   string        `json:"op"`
			Args []interface{} `json:"args"`
		}
		if err := conn.ReadJSON(&auth); err != nil || auth.Op != "auth" || len(auth.Args) != 3 {
			t.Errorf("bad auth: %+v err=%v", auth, err)
			return
		}
		conn.WriteJSON(map[string]interface{}{"op": "auth", "success": true})

		// subscribe
		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&sub); err != nil || sub.Op != "subscribe" {
			t.Errorf("bad subscribe: %+v err=%v", sub, err)
			return
		}
		conn.WriteJSON(map[string]interface{}{"op": "subscribe", "success": true})

		// 推一条成交帧
		conn.WriteJSON(map[string]interface{}{
			"topic": "execution",
			"data":  []map[string]string{{"execId": "e1"}},
		})

		// 挂住等客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestClient_ConnectAuthSubscribeStream(t *testing.T) {
	srv := fakeVenue(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(wsURL, Credentials{APIKey: "k", APISecret: "s"}, []string{"execution"}, nil)
	if err := c.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	if c.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", c.State())
	}

	select {
	case frame := <-c.Frames():
		if frame.Topic != "execution" {
			t.Fatalf("topic = %q", frame.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected execution frame")
	}
}

func TestClient_AuthRejectedFatal(t *testing.T) {
	upgrader := gws.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		success := false
		conn.WriteJSON(map[string]interface{}{"op": "auth", "success": success, "ret_msg": "invalid api key"})
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(wsURL, Credentials{APIKey: "bad", APISecret: "bad"}, []string{"execution"}, nil)
	err := c.Start(nil)
	if err == nil {
		c.Stop()
		t.Fatal("认证被拒绝应返回错误")
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if c.IsRunning() {
		t.Fatal("认证失败后客户端不应处于运行状态")
	}
}

func TestClient_StateEvents(t *testing.T) {
	srv := fakeVenue(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(wsURL, Credentials{APIKey: "k", APISecret: "s"}, []string{"execution"}, nil)
	if err := c.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	// 状态变迁事件依次为 connecting → authenticating → subscribing → streaming
	want := []string{"connecting", "authenticating", "subscribing", "streaming"}
	for _, to := range want {
		select {
		case ev := <-c.Events():
			state, ok := ev.(events.ConnStateEvent)
			if !ok {
				t.Fatalf("unexpected event %T", ev)
			}
			if state.To != to {
				t.Fatalf("transition to %q, want %q", state.To, to)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing transition to %q", to)
		}
	}
}
