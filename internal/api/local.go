package api

import (
	"encoding/json"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"landrop/internal/events"
	"landrop/internal/models"
)

const wsWriteWait = 5 * time.Second

// The zero Upgrader only accepts same-origin handshakes.
var upgrader = websocket.Upgrader{}

// Broadcast sends a JSON message to all connected WebSocket clients.
func (s *Server) Broadcast(msgType string, payload any) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	msg := map[string]any{"type": msgType, "payload": payload}
	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(s.wsClients, conn)
		}
	}
}

// pump relays bus events to websocket clients until the subscription closes.
func (s *Server) pump(feed <-chan events.Event) {
	for e := range feed {
		switch e.Type {
		case events.DeviceFound, events.DeviceUpdated:
			s.Broadcast(string(e.Type), e.Device)
		case events.FileReceived:
			s.Broadcast(string(e.Type), e.File)
		case events.TransferUpdate:
			s.Broadcast(string(e.Type), e.Transfer)
		}
	}
}

func (s *Server) closeWS() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()
	log.Printf("[WS] client connected from %s", r.RemoteAddr)

	// Read pump to detect disconnects
	go func() {
		defer func() {
			s.wsMu.Lock()
			delete(s.wsClients, conn)
			s.wsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.registry.Snapshot())
}

// handleRefresh forgets every known peer and asks the network again.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.disc == nil {
		jsonError(w, "discovery not running", http.StatusServiceUnavailable)
		return
	}
	s.registry.Clear()
	if err := s.disc.Burst(); err != nil {
		log.Printf("[WARN] refresh: %v", err)
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	jsonOK(w, "refresh started")
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	transfers := []models.Transfer{}
	if s.transfer != nil {
		transfers = s.transfer.Transfers()
	}
	writeJSON(w, transfers)
}

// handleSend starts an asynchronous send of a local file to a known peer.
// Progress arrives as transfer_update events.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.transfer == nil {
		jsonError(w, "sending not available", http.StatusServiceUnavailable)
		return
	}

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		jsonError(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var body struct {
		DeviceID string `json:"deviceId"`
		Path     string `json:"path"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if body.DeviceID == "" || body.Path == "" {
		jsonError(w, "deviceId and path required", http.StatusBadRequest)
		return
	}

	peer, ok := s.registry.Get(body.DeviceID)
	if !ok {
		jsonError(w, "unknown device", http.StatusNotFound)
		return
	}
	st, err := os.Stat(body.Path)
	if err != nil || !st.Mode().IsRegular() {
		jsonError(w, "not a readable file", http.StatusBadRequest)
		return
	}

	log.Printf("[SEND] initiating %s (%d bytes) to %s", filepath.Base(body.Path), st.Size(), peer.Name)
	// The client logs and publishes the outcome.
	go s.transfer.SendPath(s.sendContext(), peer, body.Path, nil)

	jsonOK(w, "transfer initiated")
}
