package websocket

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development (use proper CORS in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager *Manager
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager: manager,
	}
}

// SetupRoutes configures WebSocket routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/ws/listings/{id:[0-9]+}", h.HandleWebSocket)
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/stats/listings/{id:[0-9]+}", h.GetStats).Methods("GET")

	return router
}

type welcome struct {
	Type      string `json:"type"`
	ListingID uint64 `json:"listing_id"`
	ClientID  string `json:"client_id"`
}

// HandleWebSocket upgrades the connection and subscribes it to one listing
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	listingID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Listing ID must be a non-negative integer", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		ListingID: listingID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
	}

	// Queued before registration so it is always the first frame.
	hello, _ := json.Marshal(welcome{Type: "connected", ListingID: listingID, ClientID: client.ID})
	client.Send <- hello

	if !h.manager.RegisterClient(client) {
		conn.Close()
		return
	}
	go client.readPump(h.manager)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy", "service": "broadcast-service"})
}

// GetStats returns the number of clients watching a listing
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	listingID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Listing ID must be a non-negative integer", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"listing_id":  listingID,
		"subscribers": h.manager.SubscriberCount(listingID),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
