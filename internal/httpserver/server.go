package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/auth"
	"github.com/slopmachine/escrowd/internal/config"
	"github.com/slopmachine/escrowd/internal/metrics"
	"github.com/slopmachine/escrowd/internal/models"
	"github.com/slopmachine/escrowd/internal/oracle"
	"github.com/slopmachine/escrowd/internal/service"
	"github.com/slopmachine/escrowd/internal/store"
)

type Server struct {
	cfg     config.Config
	service *service.Service
}

func New(cfg config.Config, svc *service.Service) *Server {
	return &Server{cfg: cfg, service: svc}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/escrow", func(r chi.Router) {
		r.Get("/jobs/{jobID}", s.handleGetEscrow)
		r.Get("/opportunities/{jobID}", s.handleGetOpportunity)
		r.Get("/opportunities/{jobID}/bids", s.handleListBids)
		r.Get("/opportunities/{jobID}/stakes/{worker}", s.handleGetStake)
		r.Get("/workers/{workerID}", s.handleGetRegistry)
		r.Get("/accounts/{accountID}", s.handleGetAccount)

		r.Group(func(r chi.Router) {
			r.Use(auth.NewMiddleware(s.cfg.JWTSecret))
			r.Post("/jobs", s.handleCreateEscrow)
			r.Post("/accounts/{accountID}/deposit", s.handleDeposit)
			r.Post("/opportunities/{jobID}/bids", s.handleSubmitBid)
			r.Post("/opportunities/{jobID}/accept", s.handleAcceptBid)
			r.Post("/opportunities/{jobID}/start", s.handleStartWork)
			r.Post("/opportunities/{jobID}/release", s.handleRelease)
			r.Post("/opportunities/{jobID}/failure", s.handleRecordFailure)
			r.Post("/opportunities/{jobID}/slash", s.handleSlash)
			r.Post("/opportunities/{jobID}/verdict", s.handleVerdict)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.service.Health(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateEscrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	escrow, err := s.service.CreateEscrow(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, escrow)
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.service.Deposit(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

type submitBidRequest struct {
	Worker  string `json:"worker"`
	Amount  int64  `json:"amount"`
	Message string `json:"message"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req submitBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bid, stake, err := s.service.SubmitBid(r.Context(), service.SubmitBidRequest{
		JobID:   jobID,
		Worker:  req.Worker,
		Amount:  req.Amount,
		Message: req.Message,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"bid":   bid,
		"stake": stake,
	})
}

type acceptBidRequest struct {
	BidID string `json:"bidId"`
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req acceptBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bidID := uuid.Nil
	if req.BidID != "" {
		var err error
		if bidID, err = uuid.Parse(req.BidID); err != nil {
			respondError(w, http.StatusBadRequest, "invalid bidId")
			return
		}
	}
	opp, err := s.service.AcceptBid(r.Context(), service.AcceptBidRequest{JobID: jobID, BidID: bidID})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, opp)
}

func (s *Server) handleStartWork(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	opp, err := s.service.StartWork(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, opp)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	res, err := s.service.ReleasePayment(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type workerRequest struct {
	Worker string `json:"worker"`
	Reason string `json:"reason"`
}

func (s *Server) handleRecordFailure(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stake, reg, err := s.service.RecordFailure(r.Context(), jobID, req.Worker)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stake":    stake,
		"registry": reg,
	})
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.service.SlashStake(r.Context(), jobID, req.Worker, req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type verdictRequest struct {
	Worker string `json:"worker"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req verdictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.service.SubmitVerdict(r.Context(), service.VerdictRequest{
		JobID:  jobID,
		Worker: req.Worker,
		Passed: req.Passed,
		Reason: req.Reason,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	escrow, err := s.service.GetEscrow(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, escrow)
}

func (s *Server) handleGetOpportunity(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	opp, err := s.service.GetOpportunity(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, opp)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	bids, err := s.service.ListBids(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if bids == nil {
		bids = []models.Bid{}
	}
	respondJSON(w, http.StatusOK, bids)
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	stake, err := s.service.GetStake(r.Context(), jobID, chi.URLParam(r, "worker"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stake)
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	reg, err := s.service.GetNodeRegistry(r.Context(), chi.URLParam(r, "workerID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reg)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.service.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return jobID, true
}

// respondDomainError maps domain errors onto HTTP statuses: state conflicts
// are 409, economic rejections 400, oracle outages 503, missing records 404.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrInvalidOpportunityState),
		errors.Is(err, models.ErrInvalidBidState),
		errors.Is(err, models.ErrEscrowInvalidState),
		errors.Is(err, models.ErrStakeNotLocked),
		errors.Is(err, models.ErrSlashConditionsNotMet):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidBidAmount),
		errors.Is(err, models.ErrInsufficientStake),
		errors.Is(err, models.ErrInsufficientFunds),
		errors.Is(err, models.ErrInsufficientEscrowBalance):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, oracle.ErrPriceStale),
		errors.Is(err, oracle.ErrFeedInvalid),
		errors.Is(err, oracle.ErrPriceOutOfRange):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
