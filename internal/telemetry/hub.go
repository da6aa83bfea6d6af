package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HubOptions - параметры доставки телеметрии коллектору
type HubOptions struct {
	// ReplayDepth - сколько последних батчей хранится для replay
	// опоздавшему коллектору
	ReplayDepth int

	// SendBuffer - глубина очереди отправки; переполнение означает
	// медленного коллектора
	SendBuffer int

	// PingInterval - период keepalive пингов
	PingInterval time.Duration

	// WriteTimeout - дедлайн записи одного сообщения
	WriteTimeout time.Duration
}

// DefaultHubOptions возвращает параметры по умолчанию
func DefaultHubOptions() *HubOptions {
	return &HubOptions{
		ReplayDepth:  50,
		SendBuffer:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// HubStats - жизненный цикл доставки: сколько коллекторов приходило
// и уходило, сколько батчей доставлено, отброшено без коллектора
// и потеряно на медленном коллекторе. Счётчики читает /health и
// оценка состояния системы.
type HubStats struct {
	CollectorActive bool  `json:"collector_active"`
	Connects        int64 `json:"connects"`
	Disconnects     int64 `json:"disconnects"`
	Delivered       int64 `json:"delivered"`
	DroppedNoClient int64 `json:"dropped_no_client"`
	SlowClientDrops int64 `json:"slow_client_drops"`
	Replayed        int64 `json:"replayed"`
}

// StateFunc уведомляется о подключении/отключении коллектора
type StateFunc func(connected bool)

// Hub доставляет батчи телеметрии одному внешнему коллектору.
// Владение соединением - через мьютекс, без общего select-цикла:
// Send кладёт батч в очередь активного коллектора напрямую, writer
// горутина коллектора разгружает очередь со своим ping-keepalive.
// Батчи без коллектора уходят в кольцо replay и отдаются следующему
// подключившемуся.
type Hub struct {
	mu      sync.Mutex
	opts    *HubOptions
	current *collector
	ring    [][]byte
	stats   HubStats
	onState StateFunc
}

// NewHub создаёт hub
func NewHub() *Hub {
	return NewHubWithOptions(nil)
}

// NewHubWithOptions создаёт hub с параметрами
func NewHubWithOptions(opts *HubOptions) *Hub {
	if opts == nil {
		opts = DefaultHubOptions()
	}
	return &Hub{opts: opts}
}

// OnStateChange регистрирует наблюдателя подключений коллектора
func (h *Hub) OnStateChange(fn StateFunc) {
	h.mu.Lock()
	h.onState = fn
	h.mu.Unlock()
}

// Stats возвращает счётчики доставки
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.CollectorActive = h.current != nil
	return out
}

// Send реализует Sink: батч уходит активному коллектору либо в кольцо
// replay. Переполненная очередь отправки отключает медленного коллектора.
func (h *Hub) Send(payload []byte) {
	h.mu.Lock()

	if h.current == nil {
		h.stats.DroppedNoClient++
		h.pushRingLocked(payload)
		h.mu.Unlock()
		return
	}

	select {
	case h.current.send <- payload:
		h.stats.Delivered++
		h.mu.Unlock()
	default:
		// Очередь полна - коллектор не успевает, разрываем соединение
		log.Printf("Collector send queue is full, disconnecting slow collector")
		h.stats.SlowClientDrops++
		h.pushRingLocked(payload)
		stale := h.current
		h.detachLocked(stale)
		onState := h.onState
		h.mu.Unlock()

		stale.close()
		if onState != nil {
			onState(false)
		}
	}
}

// pushRingLocked кладёт батч в кольцо replay с обрезкой по глубине
func (h *Hub) pushRingLocked(payload []byte) {
	if h.opts.ReplayDepth <= 0 {
		return
	}

	h.ring = append(h.ring, payload)
	if len(h.ring) > h.opts.ReplayDepth {
		h.ring = h.ring[len(h.ring)-h.opts.ReplayDepth:]
	}
}

// attach делает коллектора активным, вытесняя предыдущего,
// и отдаёт ему накопленное кольцо replay
func (h *Hub) attach(c *collector) {
	h.mu.Lock()

	previous := h.current
	h.current = c
	h.stats.Connects++

	// Replay: опоздавший коллектор получает пропущенные батчи
	replayed := 0
	for _, payload := range h.ring {
		select {
		case c.send <- payload:
			replayed++
		default:
		}
	}
	h.ring = nil
	h.stats.Replayed += int64(replayed)

	onState := h.onState
	h.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	if onState != nil {
		onState(true)
	}

	log.Printf("Telemetry collector connected (replayed %d pending batches)", replayed)
}

// detach снимает коллектора, если он всё ещё активен
func (h *Hub) detach(c *collector) {
	h.mu.Lock()
	wasActive := h.current == c
	if wasActive {
		h.detachLocked(c)
	}
	onState := h.onState
	h.mu.Unlock()

	if wasActive {
		if onState != nil {
			onState(false)
		}
		log.Printf("Telemetry collector disconnected")
	}
}

func (h *Hub) detachLocked(c *collector) {
	if h.current == c {
		h.current = nil
		h.stats.Disconnects++
	}
}

// ServeWS апгрейдит HTTP соединение до WebSocket и запускает насосы
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &collector{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}

	h.attach(c)

	go c.writePump(h.opts.PingInterval, h.opts.WriteTimeout)
	go c.readPump()
}

// collector - одно WebSocket соединение коллектора
type collector struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// close будит writePump и закрывает соединение ровно один раз
func (c *collector) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump читает входящие только ради обнаружения отключения;
// pong продлевает дедлайн чтения
func (c *collector) readPump() {
	defer func() {
		c.hub.detach(c)
		c.close()
	}()

	c.conn.SetReadLimit(1 << 16)
	deadline := 3 * c.hub.opts.PingInterval
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Collector read error: %v", err)
			}
			return
		}
	}
}

// writePump разгружает очередь отправки и шлёт keepalive пинги
func (c *collector) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.hub.detach(c)
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// Прощальный close frame, если соединение ещё живо
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
