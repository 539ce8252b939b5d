package kakaofast

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WebSocket is the inbound message stream from the relay with automatic
// reconnect and keepalive pings.
type WebSocket struct {
	wsURL string

	conn   *websocket.Conn
	connM  sync.RWMutex
	closed bool

	cbM sync.RWMutex
	cbs []MessageCallback

	maxReconnectAttempts int
	pingInterval         time.Duration

	headerProvider HeaderProvider

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewWebSocket(wsURL string, maxReconnectAttempts int) *WebSocket {
	return &WebSocket{
		wsURL:                wsURL,
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
}

// SetHeaderProvider injects handshake headers.
func (ws *WebSocket) SetHeaderProvider(h HeaderProvider) { ws.headerProvider = h }

// OnMessage registers an inbound message callback.
func (ws *WebSocket) OnMessage(cb MessageCallback) {
	ws.cbM.Lock()
	ws.cbs = append(ws.cbs, cb)
	ws.cbM.Unlock()
}

func (ws *WebSocket) Connect(ctx context.Context) error {
	ws.rootCtx, ws.rootCancel = context.WithCancel(context.Background())
	conn, err := ws.dial(ctx)
	if err != nil {
		return err
	}
	ws.setConn(conn)
	ws.wg.Add(2)
	go ws.listen()
	go ws.pingLoop()
	return nil
}

func (ws *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, ws.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      ws.buildHeaders(),
	})
	return conn, err
}

func (ws *WebSocket) listen() {
	defer ws.wg.Done()
	for {
		select {
		case <-ws.stopCh:
			return
		default:
		}
		conn := ws.getConn()
		if conn == nil {
			return
		}
		var msg Message
		if err := wsjson.Read(ws.rootCtx, conn, &msg); err != nil {
			if ws.isStopping() {
				return
			}
			_ = conn.Close(websocket.StatusGoingAway, "reconnect")
			ws.reconnect()
			return
		}
		ws.cbM.RLock()
		cbs := make([]MessageCallback, len(ws.cbs))
		copy(cbs, ws.cbs)
		ws.cbM.RUnlock()
		for _, cb := range cbs {
			if cb != nil {
				cb(&msg)
			}
		}
	}
}

func (ws *WebSocket) pingLoop() {
	defer ws.wg.Done()
	t := time.NewTicker(ws.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ws.stopCh:
			return
		case <-t.C:
			conn := ws.getConn()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(ws.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if ws.isStopping() {
					return
				}
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				ws.reconnect()
				failures = 0
			}
		}
	}
}

func (ws *WebSocket) reconnect() {
	if ws.maxReconnectAttempts <= 0 {
		return
	}
	go func() {
		for attempt := 1; attempt <= ws.maxReconnectAttempts; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			conn, err := ws.dial(ws.rootCtx)
			if err != nil {
				obslog.L().Warn("kakao_ws_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			ws.setConn(conn)
			ws.wg.Add(2)
			go ws.listen()
			go ws.pingLoop()
			obslog.L().Info("kakao_ws_reconnected", zap.Int("attempt", attempt))
			return
		}
		obslog.L().Error("kakao_ws_gave_up")
	}()
}

// SendReply writes an outbound frame on the relay socket.
func (ws *WebSocket) SendReply(ctx context.Context, req *ReplyRequest) error {
	conn := ws.getConn()
	if conn == nil {
		return errNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(ctx, conn, req)
}

// Connected reports whether a live socket is present.
func (ws *WebSocket) Connected() bool { return ws.getConn() != nil }

func (ws *WebSocket) Close(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stopCh) })
	if conn := ws.getConn(); conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		ws.setConn(nil)
	}
	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if ws.rootCancel != nil {
			ws.rootCancel()
		}
		return nil
	}
}

func (ws *WebSocket) getConn() *websocket.Conn {
	ws.connM.RLock()
	defer ws.connM.RUnlock()
	return ws.conn
}

func (ws *WebSocket) setConn(conn *websocket.Conn) {
	ws.connM.Lock()
	ws.conn = conn
	ws.connM.Unlock()
}

func (ws *WebSocket) isStopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}

func (ws *WebSocket) buildHeaders() http.Header {
	hdr := http.Header{}
	if ws.headerProvider == nil {
		return hdr
	}
	for k, v := range ws.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
