package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gorilla/websocket"

	"palaver/internal/filestore"
	"palaver/internal/identity"
	"palaver/internal/models"
	"palaver/internal/store"
)

// Server exposes the store over HTTP for remote clients: a JSON mirror of the
// change feed over websocket, room and history queries, attachment upload and
// download, and push subscription registration.
type Server struct {
	server   *http.Server
	store    store.Store
	verifier *identity.Verifier
	files    filestore.FileStore
	notifier *Notifier
	upgrader *websocket.Upgrader
	wg       sync.WaitGroup
}

func NewServer(st store.Store, verifier *identity.Verifier, files filestore.FileStore, notifier *Notifier, addr string) *Server {
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		store:    st,
		verifier: verifier,
		files:    files,
		notifier: notifier,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms", s.requireAuth(s.roomsHandler))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.requireAuth(s.messagesHandler))
	mux.HandleFunc("GET /api/feed", s.feedHandler)
	mux.HandleFunc("POST /api/upload", s.requireAuth(s.uploadHandler))
	mux.HandleFunc("GET /api/files/{id}", s.requireAuth(s.fileHandler))
	mux.HandleFunc("POST /api/push/subscribe", s.requireAuth(s.pushSubscribeHandler))

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	slog.Info("gateway listening", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

func (s *Server) authUser(r *http.Request) (models.User, error) {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return models.User{}, models.ErrNotAuthenticated
	}
	return s.verifier.Verify(token)
}

func (s *Server) requireAuth(next func(w http.ResponseWriter, r *http.Request, user models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authUser(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func (s *Server) roomsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	rooms, err := s.store.VisibleRooms(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rooms)
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	roomID := r.PathValue("id")
	room, err := s.store.Room(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if room.IsPrivate {
		member, err := s.store.IsMember(r.Context(), roomID, user.ID)
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if !member {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := s.store.Messages(r.Context(), roomID, limit)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, messages)
}

// feedHandler mirrors the change feed onto a websocket as JSON events. An
// optional room query parameter narrows message and membership events to that
// room; presence stays global.
func (s *Server) feedHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authUser(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filter := store.Filter{RoomID: r.URL.Query().Get("room")}
	sub, err := s.store.Subscribe(
		[]store.Table{store.TableMessages, store.TableMembers, store.TableRooms},
		nil,
		filter,
		256,
	)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	// Presence carries no room ID, so it needs its own unfiltered
	// subscription.
	presence, err := s.store.Subscribe([]store.Table{store.TablePresence}, nil, store.Filter{}, 256)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer presence.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader only watches for the peer closing the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case ev, ok := <-presence.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	info, err := s.files.Put(r.Body)
	if err != nil {
		slog.Warn("upload failed", "user_id", user.ID, "error", err)
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, info)
}

func (s *Server) fileHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	rc, err := s.files.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("file download aborted", "error", err)
	}
}

func (s *Server) pushSubscribeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if s.notifier == nil || !s.notifier.Enabled() {
		http.Error(w, "Push not configured", http.StatusNotImplemented)
		return
	}

	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}
	s.notifier.Register(user.ID, sub)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
