package statusapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EgorLis/presencebot/internal/reconcile"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 10 * time.Second
	sendBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// hub держит подключённых слушателей ленты.
type hub struct {
	log   *zap.Logger
	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	conn *websocket.Conn
	send chan reconcile.Report
	once sync.Once
	done chan struct{}
}

func newHub(log *zap.Logger) *hub {
	return &hub{log: log, peers: make(map[*peer]struct{})}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	conn.SetReadLimit(512)

	p := &peer{
		conn: conn,
		send: make(chan reconcile.Report, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.log.Debug("feed subscriber connected", zap.String("remote", r.RemoteAddr), zap.Int("peers", n))

	go h.writeLoop(p)
	h.readLoop(p)
}

// readLoop нужен только чтобы ловить pong и закрытие с той стороны.
func (h *hub) readLoop(p *peer) {
	defer h.drop(p)

	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop: единственный писатель в соединение (отчёты и ping).
func (h *hub) writeLoop(p *peer) {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
				time.Now().Add(500*time.Millisecond))
			return
		case rep := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(rep); err != nil {
				h.drop(p)
				return
			}
		case <-t.C:
			if err := p.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				h.drop(p)
				return
			}
		}
	}
}

// broadcast не блокируется: медленный слушатель просто теряет отчёт.
func (h *hub) broadcast(rep reconcile.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		select {
		case p.send <- rep:
		default:
			h.log.Debug("feed subscriber lagging, report dropped")
		}
	}
}

func (h *hub) drop(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (h *hub) closeAll() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.drop(p)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}
