package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/realtime"
	"github.com/tildaslashalef/fieldsync/internal/remote"
)

type pushBody struct {
	ID          string            `json:"id"`
	BaseVersion int64             `json:"baseVersion"`
	Pin         *entity.PinPatch  `json:"pin,omitempty"`
	Form        *entity.FormPatch `json:"form,omitempty"`
}

// Handler serves the server over HTTP: the REST routes used by
// remote.Client, a health check and a websocket notification stream at /ws
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/ws", s.handleWebSocket)
		r.Route("/api/v1/{collection}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handlePush(entity.MutationCreate))
			r.Get("/{id}", s.handleGet)
			r.Put("/{id}", s.handlePush(entity.MutationUpdate))
			r.Delete("/{id}", s.handlePush(entity.MutationDelete))
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, remote.NewError(remote.KindAuth, "invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func collectionType(r *http.Request) (entity.Type, error) {
	name := strings.TrimSuffix(chi.URLParam(r, "collection"), "s")
	t, err := entity.ParseType(name)
	if err != nil {
		return "", remote.NewError(remote.KindNotFound, "unknown collection %q", chi.URLParam(r, "collection"))
	}
	return t, nil
}

func (s *Server) handlePush(kind entity.Mutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := collectionType(r)
		if err != nil {
			writeError(w, err)
			return
		}

		req := remote.PushRequest{
			Kind:           kind,
			EntityType:     t,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			DeviceID:       r.Header.Get("X-Device-ID"),
		}

		if kind == entity.MutationDelete {
			req.EntityID = chi.URLParam(r, "id")
			req.BaseVersion, err = strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
			if err != nil {
				writeError(w, remote.NewError(remote.KindValidation, "invalid version"))
				return
			}
		} else {
			var body pushBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, remote.NewError(remote.KindValidation, "invalid body: %v", err))
				return
			}
			req.EntityID, req.BaseVersion, req.Pin, req.Form = body.ID, body.BaseVersion, body.Pin, body.Form
			if id := chi.URLParam(r, "id"); id != "" {
				req.EntityID = id
			}
		}

		res, err := s.Push(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if kind == entity.MutationCreate && !res.Duplicate {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := collectionType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.PullByID(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	t, err := collectionType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, remote.NewError(remote.KindValidation, "invalid since: %v", err))
			return
		}
	}

	recs, err := s.PullAllSince(r.Context(), t, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*remote.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan realtime.Message, 64)
	unsubscribe := s.Subscribe(func(msg realtime.Message) {
		select {
		case out <- msg:
		default:
		}
	})
	defer unsubscribe()

	now := s.clock.Now()
	out <- realtime.Message{Type: realtime.TypeWelcome, Timestamp: &now}

	go func() {
		defer cancel()
		for {
			var msg realtime.Message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type == realtime.TypePing {
				now := s.clock.Now()
				select {
				case out <- realtime.Message{Type: realtime.TypePong, Timestamp: &now}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, msg)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var rerr *remote.Error
	if !errors.As(err, &rerr) {
		rerr = &remote.Error{Kind: remote.KindUnknown, Message: err.Error()}
	}
	writeJSON(w, remote.StatusFromKind(rerr.Kind), map[string]string{
		"error":   string(rerr.Kind),
		"message": rerr.Message,
	})
}
