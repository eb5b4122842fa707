package server

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket 桥：把二进制 WS 流适配成 net.Conn，
// 浏览器客户端经 /ws 走与 TCP 完全相同的接入路径与线协议

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 内网部署：允许所有来源（对公网需收紧）
		return true
	},
}

// HandleWS WebSocket 接入端点
func (s *GameServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.running.Load() {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("ws upgrade: %v", err)
		return
	}
	if err := s.attach(newWSConn(ws)); err != nil {
		Log.Warnf("ws reject %s: %v", ws.RemoteAddr(), err)
		_ = ws.Close()
	}
}

// wsConn 将 gorilla 的消息式 API 铺平成字节流
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader // 当前二进制消息的剩余部分
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue // 文本/控制消息与线协议无关，跳过
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) LocalAddr() net.Addr { return c.ws.LocalAddr() }

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
