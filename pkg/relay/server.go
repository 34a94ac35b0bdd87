package relay

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/signal"
)

// Client represents a connected WebSocket client
type Client struct {
	id     string
	room   string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	once   sync.Once
}

// Room holds connected clients for a session, keyed by client id
type Room struct {
	code    string
	clients map[string]*Client
	mu      sync.RWMutex
}

// Server manages WebSocket connections and room routing
type Server struct {
	rooms    map[string]*Room
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	log      logging.LeveledLogger

	// readTimeout drops a client that sends nothing for this long.
	readTimeout time.Duration
}

// NewServer creates a new relay server. A nil factory logs through pion's
// default factory.
func NewServer(lf logging.LoggerFactory) *Server {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Server{
		rooms: make(map[string]*Room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log:         lf.NewLogger("relay"),
		readTimeout: readWait,
	}
}

// Handler returns the HTTP handler serving /ws/{room}/{client}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// StartServer starts the relay HTTP server
func (s *Server) StartServer(addr string) error {
	s.log.Infof("Relay server starting on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// HandleWebSocket handles WebSocket connections for signaling
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Extract room and client from URL path: /ws/{room}/{client}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "Expected /ws/{room}/{client}", http.StatusBadRequest)
		return
	}
	roomCode := signal.NormalizeRoomCode(parts[0])
	clientID := parts[1]

	if s.hasClient(roomCode, clientID) {
		http.Error(w, "Client id already in room", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		id:     clientID,
		room:   roomCode,
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	if !s.addClient(client) {
		// Lost a race with another connection using the same id.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate client id"), deadline())
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (s *Server) hasClient(roomCode, clientID string) bool {
	s.mu.RLock()
	room, exists := s.rooms[roomCode]
	s.mu.RUnlock()
	if !exists {
		return false
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	_, taken := room.clients[clientID]
	return taken
}

// addClient registers client in its room, sends it the current member list
// and announces it to the others.
func (s *Server) addClient(client *Client) bool {
	s.mu.Lock()
	room, exists := s.rooms[client.room]
	if !exists {
		room = &Room{code: client.room, clients: make(map[string]*Client)}
		s.rooms[client.room] = room
	}
	room.mu.Lock()
	s.mu.Unlock()
	defer room.mu.Unlock()

	if _, taken := room.clients[client.id]; taken {
		return false
	}

	others := make([]string, 0, len(room.clients))
	for id := range room.clients {
		others = append(others, id)
	}
	sort.Strings(others)

	room.clients[client.id] = client
	s.log.Infof("Client %s joined room %s (total clients: %d)", client.id, room.code, len(room.clients))

	client.enqueue(mustEncode(signal.RoomClients{ClientIDs: others}))
	joined := mustEncode(signal.Join{ClientID: client.id})
	for id, other := range room.clients {
		if id != client.id {
			other.enqueue(joined)
		}
	}
	return true
}

// removeClient removes a client from its room and tells the rest
func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, exists := s.rooms[client.room]
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.clients[client.id] != client {
		return
	}
	delete(room.clients, client.id)
	client.closeSend()
	s.log.Infof("Client %s left room %s", client.id, room.code)

	left := mustEncode(signal.Leave{ClientID: client.id})
	for _, other := range room.clients {
		other.enqueue(left)
	}

	// Clean up empty rooms
	if len(room.clients) == 0 {
		delete(s.rooms, client.room)
	}
}

// ClientIDs returns the sorted ids of the clients in a room
func (s *Server) ClientIDs(roomCode string) []string {
	s.mu.RLock()
	room, exists := s.rooms[signal.NormalizeRoomCode(roomCode)]
	s.mu.RUnlock()
	if !exists {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	ids := make([]string, 0, len(room.clients))
	for id := range room.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetClientCount returns number of clients in a room
func (s *Server) GetClientCount(roomCode string) int {
	return len(s.ClientIDs(roomCode))
}

func (s *Server) room(code string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[code]
}

func mustEncode(msg signal.Message) []byte {
	data, err := signal.Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}
