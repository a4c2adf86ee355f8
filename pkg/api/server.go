package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cordage/beacon/pkg/broker"
	"github.com/cordage/beacon/pkg/log"
	"github.com/cordage/beacon/pkg/metrics"
	"github.com/cordage/beacon/pkg/types"
	"github.com/gorilla/mux"
)

// Server is the admin HTTP API: JSON endpoints for status, Raft
// diagnostics, message history, subscriber introspection and the
// publish/join write paths.
type Server struct {
	broker   *broker.Broker
	httpAddr string
	raftAddr string
	bindAddr string

	router *mux.Router
	http   *http.Server
}

// NewServer builds the admin API router. httpAddr/raftAddr/bindAddr are
// this node's own addresses, echoed back by /peer-info for discovery.
func NewServer(addr string, b *broker.Broker, httpAddr, raftAddr, bindAddr string) *Server {
	s := &Server{
		broker:   b,
		httpAddr: httpAddr,
		raftAddr: raftAddr,
		bindAddr: bindAddr,
		router:   mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/raft", s.handleRaft).Methods(http.MethodGet)
	s.router.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
	s.router.HandleFunc("/subscribers", s.handleSubscribers).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/peer-info", s.handlePeerInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	s.router.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)

	s.router.Handle("/metrics", metrics.Handler())
	s.router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	log.Info("admin API listening on " + s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func instrument(method string, status int, start time.Time) {
	metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	health := metrics.GetHealth()
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"node_id": s.broker.Self(s.httpAddr, s.raftAddr, s.bindAddr).NodeID,
		"health":  health,
	})
	instrument("status", status, start)
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusOK, s.broker.Stats())
	instrument("raft", http.StatusOK, start)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing required query parameter: topic")
		instrument("messages", http.StatusBadRequest, start)
		return
	}

	from := uint64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from parameter")
			instrument("messages", http.StatusBadRequest, start)
			return
		}
		from = parsed
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			instrument("messages", http.StatusBadRequest, start)
			return
		}
		limit = parsed
	}

	msgs, err := s.broker.ReadRange(topic, from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		instrument("messages", http.StatusInternalServerError, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"topic": topic, "messages": msgs})
	instrument("messages", http.StatusOK, start)
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  s.broker.SubscriberCount(),
		"topics": s.broker.TopicSubscriberCounts(),
	})
	instrument("subscribers", http.StatusOK, start)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusOK, s.broker.Stats())
	instrument("stats", http.StatusOK, start)
}

func (s *Server) handlePeerInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusOK, s.broker.Self(s.httpAddr, s.raftAddr, s.bindAddr))
	instrument("peer-info", http.StatusOK, start)
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Format  string `json:"format"`
	Payload []byte `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		instrument("publish", http.StatusBadRequest, start)
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		instrument("publish", http.StatusBadRequest, start)
		return
	}

	msg, err := s.broker.Publish(r.Context(), req.Topic, req.Format, req.Payload)
	if err != nil {
		if notLeader, ok := err.(*broker.ErrNotLeader); ok {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":       "not leader",
				"leader_addr": notLeader.LeaderAddr,
			})
			instrument("publish", http.StatusConflict, start)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		instrument("publish", http.StatusInternalServerError, start)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
	instrument("publish", http.StatusCreated, start)
}

type joinRequest struct {
	Peer types.Peer `json:"peer"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		instrument("join", http.StatusBadRequest, start)
		return
	}
	if req.Peer.NodeID == "" || req.Peer.RaftAddress == "" {
		writeError(w, http.StatusBadRequest, "peer.node_id and peer.raft_address are required")
		instrument("join", http.StatusBadRequest, start)
		return
	}

	if err := s.broker.JoinPeer(r.Context(), req.Peer); err != nil {
		if notLeader, ok := err.(*broker.ErrNotLeader); ok {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":       "not leader",
				"leader_addr": notLeader.LeaderAddr,
			})
			instrument("join", http.StatusConflict, start)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		instrument("join", http.StatusInternalServerError, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
	instrument("join", http.StatusOK, start)
}
