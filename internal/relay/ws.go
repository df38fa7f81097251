package relay

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hongjun500/peerchat-go/pkg/logger"
)

// WebSocket 接入口：一个文本帧承载一行控制协议，
// 会话状态机与 TCP 路径完全共用，只有读写适配不同。

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsLineConn lineConn 的 WebSocket 实现
type wsLineConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (w *wsLineConn) ReadLine() (string, error) {
	if w.readTimeout > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

func (w *wsLineConn) WriteLine(line string) error {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (w *wsLineConn) Close() error { return w.conn.Close() }

func (w *wsLineConn) RemoteAddr() string { return w.conn.RemoteAddr().String() }

// WSHandler 返回可挂载到任意 mux 的 WebSocket 接入端点
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		id := uuid.New().String()
		sess := newSession(id, &wsLineConn{
			conn:         conn,
			readTimeout:  s.cfg.ReadTimeout,
			writeTimeout: s.cfg.WriteTimeout,
		}, s)
		s.sessions.Store(id, sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			logger.L().Sugar().Debugw("relay_ws_session_open", "session", id, "remote", conn.RemoteAddr().String())
			sess.run()
			logger.L().Sugar().Debugw("relay_ws_session_close", "session", id)
		}()
	})
}
