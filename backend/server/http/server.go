package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/adwski/callroom/backend/history"
	"github.com/adwski/callroom/backend/server/origin"
	"github.com/adwski/callroom/backend/storage/sqlite"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultRequestTimeout   = 5 * time.Second
	maxRequestBody          = 64 * 1024
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RoomLister interface {
		Rooms(ctx context.Context) (map[string][]string, error)
	}

	HistoryStore interface {
		Write(ctx context.Context, rec history.Record) error
		List(ctx context.Context, q sqlite.Query) (sqlite.Page, error)
		SaveUser(ctx context.Context, u sqlite.User) error
	}
)

type GenericResponse struct {
	Status  string      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type HistoryRequest struct {
	Email       string `json:"email"`
	CallType    string `json:"callType"`
	Duration    int    `json:"duration"`
	RemoteEmail string `json:"remoteEmail"`
	Status      string `json:"status"`
}

type HistoryResponse struct {
	CallHistory []history.Record `json:"callHistory"`
	Pagination  Pagination       `json:"pagination"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type CreatedRecordResponse struct {
	Message    string         `json:"message"`
	CallRecord history.Record `json:"callRecord"`
}

type Server struct {
	logger  zerolog.Logger
	rooms   RoomLister
	history HistoryStore
	ice     []webrtc.ICEServer
	metrics http.Handler
	origins *origin.Policy
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	Rooms          RoomLister
	History        HistoryStore
	ICEServers     []webrtc.ICEServer
	Metrics        http.Handler
	AllowedOrigins []string
	ListenAddr     string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		rooms:   cfg.Rooms,
		history: cfg.History,
		ice:     cfg.ICEServers,
		metrics: cfg.Metrics,
		origins: origin.NewPolicy(cfg.AllowedOrigins),
	}
	if srv.ice == nil {
		srv.ice = []webrtc.ICEServer{}
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	return srv
}

func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("POST /api/users", srv.saveUser)
	r.HandleFunc("GET /api/history/{email}", srv.listHistory)
	r.HandleFunc("POST /api/history", srv.createHistory)
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/ice-servers", srv.iceServers)
	r.HandleFunc("OPTIONS /", srv.preflight)
	if srv.metrics != nil {
		r.Handle("GET /metrics", srv.metrics)
	}
	return srv.cors(r)
}

func (srv *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := r.Header.Get("Origin")
		if !srv.origins.Allow(o) {
			srv.logger.Debug().Str("origin", o).Msg("request from disallowed origin")
			writeJSON(w, http.StatusForbidden, &GenericResponse{Error: "origin not allowed"}, &srv.logger)
			return
		}
		if o != "" {
			w.Header().Set("Access-Control-Allow-Origin", o)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) preflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Status: "OK", Message: "Server is running"}, &srv.logger)
}

func (srv *Server) saveUser(w http.ResponseWriter, r *http.Request) {
	if !srv.historyEnabled(w) {
		return
	}
	var u sqlite.User
	if err := readJSON(r, &u); err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	if err := srv.history.SaveUser(ctx, u); err != nil {
		srv.fail(w, err, sqlite.ErrInvalidUser)
		return
	}
	srv.logger.Debug().Str("email", u.Email).Msg("user saved")
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "User saved successfully"}, &srv.logger)
}

func (srv *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if !srv.historyEnabled(w) {
		return
	}
	q := sqlite.Query{
		Email:     strings.TrimSpace(r.PathValue("email")),
		Direction: history.Direction(r.URL.Query().Get("callType")),
	}
	var err error
	if q.Page, err = intParam(r, "page"); err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	if q.Limit, err = intParam(r, "limit"); err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	switch q.Direction {
	case "", history.DirectionIncoming, history.DirectionOutgoing, history.DirectionMissed:
	default:
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "Invalid call type"}, &srv.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	page, err := srv.history.List(ctx, q)
	if err != nil {
		srv.fail(w, err, sqlite.ErrInvalidQuery)
		return
	}
	writeJSON(w, http.StatusOK, &HistoryResponse{
		CallHistory: page.Records,
		Pagination: Pagination{
			Page:  page.Page,
			Limit: page.Limit,
			Total: page.Total,
			Pages: page.Pages(),
		},
	}, &srv.logger)
}

func (srv *Server) createHistory(w http.ResponseWriter, r *http.Request) {
	if !srv.historyEnabled(w) {
		return
	}
	var req HistoryRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	if req.Status == "" {
		req.Status = string(history.StatusCompleted)
	}
	rec := history.Record{
		ID:          uuid.NewString(),
		Email:       strings.TrimSpace(req.Email),
		Direction:   history.Direction(req.CallType),
		Duration:    req.Duration,
		RemoteEmail: strings.TrimSpace(req.RemoteEmail),
		Status:      history.Status(req.Status),
		Timestamp:   time.Now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	if err := srv.history.Write(ctx, rec); err != nil {
		srv.fail(w, err, history.ErrInvalidRecord)
		return
	}
	writeJSON(w, http.StatusCreated, &CreatedRecordResponse{
		Message:    "Call record created successfully",
		CallRecord: rec,
	}, &srv.logger)
}

func (srv *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	rooms, err := srv.rooms.Rooms(ctx)
	if err != nil {
		srv.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: rooms}, &srv.logger)
}

func (srv *Server) iceServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}{srv.ice}, &srv.logger)
}

func (srv *Server) historyEnabled(w http.ResponseWriter) bool {
	if srv.history != nil {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: "call history is disabled"}, &srv.logger)
	return false
}

// fail maps err to 400 when it matches one of the client errors and to 500 otherwise.
func (srv *Server) fail(w http.ResponseWriter, err error, clientErrs ...error) {
	for _, target := range clientErrs {
		if errors.Is(err, target) {
			writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
			return
		}
	}
	srv.logger.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "Internal server error"}, &srv.logger)
}

func readJSON(r *http.Request, v any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	if err = json.Unmarshal(body, v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
