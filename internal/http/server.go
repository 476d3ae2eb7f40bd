package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"tscluster/pkg/applier"
	"tscluster/pkg/cluster"
	"tscluster/pkg/command"
	"tscluster/pkg/config"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/ingest"
	"tscluster/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	defaultRequestTimeout  = time.Second * 5
)

type iExecutor interface {
	Execute(ctx context.Context, cmd command.Command) (applier.Result, error)
}

type iWriter interface {
	Insert(ctx context.Context, plan *command.InsertPlan) (ingest.Report, error)
}

type iSchemaAPI interface {
	PathExists(path string) bool
	SeriesType(path string) (types.DataType, error)
	Namespaces() []string
}

type iMembersAPI interface {
	Members() []cluster.Node
}

// RaftNode is the part of a replication group member the API talks to.
type RaftNode interface {
	IsLeader() bool
	LeaderID() uint64
	Handle(ctx context.Context, message raftpb.Message) error
}

// Deps are the collaborators behind the API. Metrics may be nil.
type Deps struct {
	Executor iExecutor
	Writer   iWriter
	Schema   iSchemaAPI
	Members  iMembersAPI
	Raft     map[types.GroupID]RaftNode
	Metrics  http.Handler
}

// Server exposes the admin, ingest and internal raft API.
type Server struct {
	deps            Deps
	httpServer      *http.Server
	URL             string
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	requestTimeout  time.Duration
}

func NewServer(cfg config.ServerConfig, requestTimeout time.Duration, deps Deps) *Server {
	port := strconv.Itoa(cfg.Port)
	s := &Server{
		deps:            deps,
		URL:             "http://localhost:" + port,
		addr:            ":" + port,
		readTimeout:     cfg.ReadHeaderTimeout,
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		requestTimeout:  requestTimeout,
	}
	if s.readTimeout <= 0 {
		s.readTimeout = time.Second
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	if s.deps.Raft == nil {
		s.deps.Raft = map[types.GroupID]RaftNode{}
	}
	return s
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/members", s.handleListMembers)
		r.Post("/members", s.handleAddMember)
		r.Delete("/members", s.handleRemoveMember)

		r.Get("/schema", s.handleGetSchema)
		r.Post("/schema/namespaces", s.handleSetNamespace)
		r.Post("/schema/series", s.handleCreateSeries)

		r.Post("/insert", s.handleInsert)

		r.Post("/internal/raft/{group}", s.handleRaft)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
}

func statusFor(err error) int {
	switch {
	case dberrors.IsFatal(err), errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrSchemaConflict):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrPathNotFound), errors.Is(err, dberrors.ErrSchemaNotFound):
		return http.StatusNotFound
	case dberrors.IsUnavailable(err), errors.Is(err, applier.ErrStreamHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	if _, err := s.deps.Executor.Execute(ctx, cmd); err != nil {
		slog.Warn("command failed", "kind", command.Kind(cmd), "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type groupHealth struct {
	Leader   uint64 `json:"leader"`
	IsLeader bool   `json:"is_leader"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Raft) == 0 {
		s.writeJSON(w, http.StatusOK, NewOKResponse())
		return
	}
	groups := make(map[types.GroupID]groupHealth, len(s.deps.Raft))
	for id, node := range s.deps.Raft {
		groups[id] = groupHealth{Leader: node.LeaderID(), IsLeader: node.IsLeader()}
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusOK, Data: groups})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewDataResponse(s.deps.Members.Members()))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var node cluster.Node
	if !s.decode(w, r, &node) {
		return
	}
	s.execute(w, r, command.AddMember{Node: node})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	var node cluster.Node
	if !s.decode(w, r, &node) {
		return
	}
	s.execute(w, r, command.RemoveMember{Node: node})
}

type pathResponse struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Type   string `json:"type,omitempty"`
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		namespaces := s.deps.Schema.Namespaces()
		sort.Strings(namespaces)
		s.writeJSON(w, http.StatusOK, NewDataResponse(namespaces))
		return
	}

	resp := pathResponse{Path: path, Exists: s.deps.Schema.PathExists(path)}
	if dt, err := s.deps.Schema.SeriesType(path); err == nil {
		resp.Type = dt.String()
	}
	if !resp.Exists {
		s.writeJSON(w, http.StatusNotFound, Response{Status: StatusError, Data: resp, Error: "path not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(resp))
}

func (s *Server) handleSetNamespace(w http.ResponseWriter, r *http.Request) {
	var plan command.SetNamespace
	if !s.decode(w, r, &plan) {
		return
	}
	s.execute(w, r, command.SchemaOrMutation{Plan: &plan})
}

func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var plan command.CreateSeries
	if !s.decode(w, r, &plan) {
		return
	}
	s.execute(w, r, command.SchemaOrMutation{Plan: &plan})
}

type insertRequest struct {
	Device       string           `json:"device"`
	Time         int64            `json:"time"`
	Measurements []string         `json:"measurements"`
	DataTypes    []types.DataType `json:"data_types"`
	Values       []any            `json:"values"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if !s.decode(w, r, &req) {
		return
	}

	plan, err := command.NewInsertPlan(req.Device, req.Time, req.Measurements, req.DataTypes, req.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	report, err := s.deps.Writer.Insert(ctx, plan)
	if err != nil {
		slog.Warn("insert failed", "device", req.Device, "error", err)
		s.writeError(w, err)
		return
	}

	data := InsertResponse{
		Device:   report.Device,
		Written:  report.Written,
		Rounds:   report.Rounds,
		Failures: newFailureResponses(report.Failures),
	}
	status := StatusSuccess
	if len(report.Failures) > 0 {
		status = StatusPartial
	}
	s.writeJSON(w, http.StatusOK, Response{Status: status, Data: data})
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	group := types.GroupID(chi.URLParam(r, "group"))
	node, ok := s.deps.Raft[group]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("unknown raft group "+string(group)))
		return
	}

	var msg raftpb.Message
	if !s.decode(w, r, &msg) {
		return
	}
	if err := node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
