package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nexusarena/arena/params"
	"github.com/nexusarena/arena/pkg/exchange"
	"github.com/nexusarena/arena/pkg/schema"
)

// Server binds the three listeners: order gateway, event stream, REST.
type Server struct {
	cfg      params.Server
	log      *zap.Logger
	exchange *exchange.Exchange
	gateway  *Gateway
	hub      *Hub
}

func NewServer(cfg params.Server, x *exchange.Exchange, log *zap.Logger) *Server {
	hub := NewHub(log)
	x.Subscribe(hub)
	return &Server{
		cfg:      cfg,
		log:      log,
		exchange: x,
		gateway:  NewGateway(x, log),
		hub:      hub,
	}
}

// Start launches the hub and all listeners. Listener failures are fatal for
// the process; they surface on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 3)
	go s.hub.Run()

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/ws/orders", s.gateway.HandleOrders)

	streamMux := http.NewServeMux()
	streamMux.HandleFunc("/ws/events", s.hub.HandleStream)

	go func() {
		s.log.Info("order gateway listening", zap.String("addr", s.cfg.GatewayAddr))
		errc <- http.ListenAndServe(s.cfg.GatewayAddr, gatewayMux)
	}()
	go func() {
		s.log.Info("event stream listening", zap.String("addr", s.cfg.StreamAddr))
		errc <- http.ListenAndServe(s.cfg.StreamAddr, streamMux)
	}()
	go func() {
		s.log.Info("rest api listening", zap.String("addr", s.cfg.RESTAddr))
		errc <- http.ListenAndServe(s.cfg.RESTAddr, s.restHandler())
	}()
	return errc
}

func (s *Server) restHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/leaderboard", s.handleGetLeaderboard).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.exchange.BookSnapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "exchange unavailable", err.Error())
		return
	}
	respondJSON(w, snapshot)
}

func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := s.exchange.Leaderboard(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "exchange unavailable", err.Error())
		return
	}
	if rows == nil {
		rows = []schema.RankingRow{}
	}
	respondJSON(w, rows)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: errMsg, Message: detail})
}
