package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/GwanWingYan/microdonate/pkg/donation"
	"github.com/GwanWingYan/microdonate/pkg/history"
	"github.com/GwanWingYan/microdonate/pkg/infra"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Donations is the facade the handlers call.
type Donations interface {
	CreateProject(ctx context.Context, name string, goal float64) (*infra.SubmissionResult, error)
	Donate(ctx context.Context, project string, amount float64) (*infra.SubmissionResult, error)
	Withdraw(ctx context.Context, project string, amount float64) (*infra.SubmissionResult, error)
	GetProjectStatus(ctx context.Context, name string) (*donation.Project, error)
	ListProjects(ctx context.Context) ([]donation.Project, error)
}

// Network reports on the ledger connection.
type Network interface {
	HealthCheck(ctx context.Context) error
	ExplorerURL(hash string) string
}

type History interface {
	Recent(ctx context.Context, limit int) ([]history.Submission, error)
	ByHash(ctx context.Context, hash string) (*history.Submission, error)
}

type Server struct {
	router    *mux.Router
	donations Donations
	network   Network
	history   History
	gatherer  prometheus.Gatherer
	logger    *log.Logger
}

type Option func(*Server)

// WithHistory enables GET /api/v1/submissions and /api/v1/submissions/{hash}.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func NewServer(donations Donations, network Network, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		donations: donations,
		network:   network,
		gatherer:  prometheus.DefaultGatherer,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	v1.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{name}", s.handleGetProject).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{name}/donations", s.handleDonate).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{name}/withdrawals", s.handleWithdraw).Methods(http.MethodPost)
	v1.HandleFunc("/submissions", s.handleSubmissions).Methods(http.MethodGet)
	v1.HandleFunc("/submissions/{hash}", s.handleSubmission).Methods(http.MethodGet)

	s.router.Use(s.logRequests)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "error serving %s", addr)
	case <-ctx.Done():
	}

	s.logger.Infof("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start).String(),
		}).Debug("Handled request")
	})
}

type createProjectRequest struct {
	Name string  `json:"name"`
	Goal float64 `json:"goal"`
}

type amountRequest struct {
	Amount float64 `json:"amount"`
}

// Receipt describes a confirmed state-changing submission.
type Receipt struct {
	Hash        string `json:"hash"`
	Ledger      int32  `json:"ledger"`
	FeeCharged  int64  `json:"fee_charged"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.network.HealthCheck(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.donations.ListProjects(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, projects, http.StatusOK)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.donations.CreateProject(r.Context(), req.Name, req.Goal)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, s.receipt(res), http.StatusCreated)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.donations.GetProjectStatus(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, project, http.StatusOK)
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.donations.Donate(r.Context(), mux.Vars(r)["name"], req.Amount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, s.receipt(res), http.StatusOK)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.donations.Withdraw(r.Context(), mux.Vars(r)["name"], req.Amount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, s.receipt(res), http.StatusOK)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, ErrorResponse{Error: "NotFound", Message: "submission history is disabled"}, http.StatusNotFound)
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondJSON(w, ErrorResponse{Error: infra.InvalidParameter.String(), Message: "limit must be a positive integer"}, http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, rows, http.StatusOK)
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, ErrorResponse{Error: "NotFound", Message: "submission history is disabled"}, http.StatusNotFound)
		return
	}

	hash := mux.Vars(r)["hash"]
	row, err := s.history.ByHash(r.Context(), hash)
	if errors.Is(err, history.ErrNotFound) {
		respondJSON(w, ErrorResponse{Error: "NotFound", Message: "no submission with hash " + hash}, http.StatusNotFound)
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, row, http.StatusOK)
}

func (s *Server) receipt(res *infra.SubmissionResult) Receipt {
	return Receipt{
		Hash:        res.Hash,
		Ledger:      res.Ledger,
		FeeCharged:  res.FeeCharged,
		ExplorerURL: s.network.ExplorerURL(res.Hash),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, ErrorResponse{
			Error:   infra.InvalidParameter.String(),
			Message: "invalid request body: " + err.Error(),
		}, http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := infra.KindOf(err)
	status := statusOf(kind)

	resp := ErrorResponse{Error: kind.String(), Message: err.Error()}
	if kind == infra.SubmissionRejected {
		resp.Code = infra.ResultCode(err)
		resp.Message = infra.DescribeCode(resp.Code)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	respondJSON(w, resp, status)
}

func statusOf(kind infra.Kind) int {
	switch kind {
	case infra.InvalidParameter:
		return http.StatusBadRequest
	case infra.SubmissionRejected:
		return http.StatusUnprocessableEntity
	case infra.NetworkUnavailable:
		return http.StatusServiceUnavailable
	case infra.DecodeError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
