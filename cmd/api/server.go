package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"hourbank/auth"
	"hourbank/exchange"
	"hourbank/ledger"
)

type ctxKey int

const (
	ctxKeyMemberID ctxKey = iota
	ctxKeyRole
)

// exchangeService is the engine surface the API depends on.
type exchangeService interface {
	Create(ctx context.Context, params exchange.CreateParams) (exchange.Exchange, error)
	Accept(ctx context.Context, exchangeID, actorID string) (exchange.Exchange, error)
	Decline(ctx context.Context, exchangeID, actorID, reason string) (exchange.Exchange, error)
	Cancel(ctx context.Context, params exchange.CancelParams) (exchange.Exchange, error)
	BrokerApprove(ctx context.Context, exchangeID, brokerID string, notes *string) (exchange.Exchange, error)
	BrokerReject(ctx context.Context, exchangeID, brokerID, reason string) (exchange.Exchange, error)
	SubmitConfirmation(ctx context.Context, exchangeID, actorID string, hours decimal.Decimal) (exchange.Exchange, error)
	ForceSettle(ctx context.Context, exchangeID, brokerID string, finalHours decimal.Decimal, notes string) (exchange.Exchange, error)
	AppendBrokerNote(ctx context.Context, exchangeID, brokerID, note string) (exchange.Exchange, error)
	Get(ctx context.Context, exchangeID string) (exchange.Exchange, error)
	List(ctx context.Context, memberID string, filters exchange.ListFilters) ([]exchange.Exchange, int, error)
	History(ctx context.Context, exchangeID string) ([]exchange.Event, error)
	BrokerQueue(ctx context.Context, limit int) ([]exchange.Exchange, error)
	Stats(ctx context.Context, window time.Duration) (exchange.Statistics, error)
}

type ledgerService interface {
	Balance(ctx context.Context, q ledger.Querier, memberID string) (ledger.Account, error)
	TransfersForMember(ctx context.Context, q ledger.Querier, memberID string, limit int) ([]ledger.Transfer, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Member, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server is the HTTP edge over the exchange engine.
type Server struct {
	exchangeService exchangeService
	ledgerService   ledgerService
	authService     authService
	pool            ledger.Querier
	log             *logrus.Logger
}

// Handler wires the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.Handle("POST /api/exchanges", s.requireAuth(s.handleCreateExchange))
	mux.Handle("GET /api/exchanges", s.requireAuth(s.handleListExchanges))
	mux.Handle("GET /api/exchanges/{id}", s.requireAuth(s.handleGetExchange))
	mux.Handle("GET /api/exchanges/{id}/history", s.requireAuth(s.handleHistory))
	mux.Handle("POST /api/exchanges/{id}/accept", s.requireAuth(s.handleAccept))
	mux.Handle("POST /api/exchanges/{id}/decline", s.requireAuth(s.handleDecline))
	mux.Handle("POST /api/exchanges/{id}/cancel", s.requireAuth(s.handleCancel))
	mux.Handle("POST /api/exchanges/{id}/confirm", s.requireAuth(s.handleConfirm))

	mux.Handle("GET /api/broker/queue", s.requireBroker(s.handleBrokerQueue))
	mux.Handle("POST /api/exchanges/{id}/approve", s.requireBroker(s.handleApprove))
	mux.Handle("POST /api/exchanges/{id}/reject", s.requireBroker(s.handleReject))
	mux.Handle("POST /api/exchanges/{id}/settle", s.requireBroker(s.handleSettle))
	mux.Handle("POST /api/exchanges/{id}/notes", s.requireBroker(s.handleAddNote))

	mux.Handle("GET /api/balance", s.requireAuth(s.handleBalance))
	mux.Handle("GET /api/transfers", s.requireAuth(s.handleTransfers))
	mux.Handle("GET /api/stats", s.requireBroker(s.handleStats))

	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		memberID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyMemberID, memberID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) requireBroker(next http.HandlerFunc) http.Handler {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
		if role != auth.RoleBroker && role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "broker role required")
			return
		}
		next(w, r)
	})
}

func memberID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyMemberID).(string)
	return id
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	member, err := s.authService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, memberResponse{
		ID:       member.ID,
		Email:    member.Email,
		FullName: member.FullName,
		Role:     string(member.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"member": memberResponse{
			ID:       result.Member.ID,
			Email:    result.Member.Email,
			FullName: result.Member.FullName,
			Role:     string(result.Member.Role),
		},
	})
}

type createExchangeRequest struct {
	ListingID     string              `json:"listingId"`
	ProposedHours decimal.NullDecimal `json:"proposedHours"`
	Message       *string             `json:"message,omitempty"`
}

func (s *Server) handleCreateExchange(w http.ResponseWriter, r *http.Request) {
	var req createExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.exchangeService.Create(r.Context(), exchange.CreateParams{
		ListingID:     req.ListingID,
		RequesterID:   memberID(r),
		ProposedHours: req.ProposedHours.Decimal,
		Message:       req.Message,
	})
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExchangeResponse(rec))
}

func (s *Server) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := exchange.ListFilters{
		Status:   q.Get("status"),
		Page:     atoiOr(q.Get("page"), 1),
		PageSize: atoiOr(q.Get("pageSize"), 20),
	}
	items, total, err := s.exchangeService.List(r.Context(), memberID(r), filters)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	out := make([]exchangeResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, toExchangeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	rec, err := s.exchangeService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	// Parties and staff only.
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	if rec.PartyRole(memberID(r)) == "" && role != auth.RoleBroker && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "not a party to this exchange")
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.exchangeService.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rec, err := s.exchangeService.Accept(r.Context(), r.PathValue("id"), memberID(r))
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.exchangeService.Decline(r.Context(), r.PathValue("id"), memberID(r), req.Reason)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	params := exchange.CancelParams{
		ExchangeID: r.PathValue("id"),
		ActorID:    memberID(r),
		Reason:     req.Reason,
	}
	if role == auth.RoleBroker || role == auth.RoleAdmin {
		params.ActorRole = exchange.RoleBroker
	}
	rec, err := s.exchangeService.Cancel(r.Context(), params)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

type confirmRequest struct {
	Hours decimal.Decimal `json:"hours"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.exchangeService.SubmitConfirmation(r.Context(), r.PathValue("id"), memberID(r), req.Hours)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

func (s *Server) handleBrokerQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.exchangeService.BrokerQueue(r.Context(), atoiOr(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	out := make([]exchangeResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, toExchangeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type brokerNotesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req brokerNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	var notes *string
	if req.Notes != "" {
		notes = &req.Notes
	}
	rec, err := s.exchangeService.BrokerApprove(r.Context(), r.PathValue("id"), memberID(r), notes)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.exchangeService.BrokerReject(r.Context(), r.PathValue("id"), memberID(r), req.Reason)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

type settleRequest struct {
	FinalHours decimal.Decimal `json:"finalHours"`
	Notes      string          `json:"notes"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.exchangeService.ForceSettle(r.Context(), r.PathValue("id"), memberID(r), req.FinalHours, req.Notes)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req brokerNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.exchangeService.AppendBrokerNote(r.Context(), r.PathValue("id"), memberID(r), req.Notes)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExchangeResponse(rec))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := s.ledgerService.Balance(r.Context(), s.pool, memberID(r))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			// No settled exchange yet means a zero balance, not an error.
			writeJSON(w, http.StatusOK, map[string]any{"memberId": memberID(r), "balance": "0"})
			return
		}
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberId": account.MemberID, "balance": account.Balance})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.ledgerService.TransfersForMember(r.Context(), s.pool, memberID(r), atoiOr(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": transfers})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 30 * 24 * time.Hour
	if d := r.URL.Query().Get("window"); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = parsed
	}
	stats, err := s.exchangeService.Stats(r.Context(), window)
	if err != nil {
		s.exchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// exchangeError maps engine sentinels onto HTTP statuses.
func (s *Server) exchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, exchange.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, exchange.ErrNotFound):
		writeError(w, http.StatusNotFound, "exchange not found")
	case errors.Is(err, exchange.ErrInvalidTransition),
		errors.Is(err, exchange.ErrConcurrentModification),
		errors.Is(err, exchange.ErrDuplicateConfirmation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, exchange.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.serverError(w, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	if s.log != nil {
		s.log.WithError(err).Error("internal error")
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

type memberResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type exchangeResponse struct {
	ID            string  `json:"id"`
	ListingID     string  `json:"listingId"`
	RequesterID   string  `json:"requesterId"`
	ProviderID    string  `json:"providerId"`
	Status        string  `json:"status"`
	RiskLevel     string  `json:"riskLevel"`
	ProposedHours string  `json:"proposedHours"`
	FinalHours    *string `json:"finalHours,omitempty"`
	BrokerID      *string `json:"brokerId,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
	Version       int64   `json:"version"`
}

func toExchangeResponse(rec exchange.Exchange) exchangeResponse {
	resp := exchangeResponse{
		ID:            rec.ID,
		ListingID:     rec.ListingID,
		RequesterID:   rec.RequesterID,
		ProviderID:    rec.ProviderID,
		Status:        string(rec.Status),
		RiskLevel:     string(rec.RiskLevel),
		ProposedHours: rec.ProposedHours.String(),
		BrokerID:      rec.BrokerID,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     rec.UpdatedAt.Format(time.RFC3339),
		Version:       rec.Version,
	}
	if rec.FinalHours.Valid {
		final := rec.FinalHours.Decimal.String()
		resp.FinalHours = &final
	}
	return resp
}

type eventResponse struct {
	ID        int64   `json:"id"`
	Action    string  `json:"action"`
	OldStatus *string `json:"oldStatus,omitempty"`
	NewStatus *string `json:"newStatus,omitempty"`
	ActorID   *string `json:"actorId,omitempty"`
	ActorRole string  `json:"actorRole"`
	Notes     *string `json:"notes,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

func toEventResponse(ev exchange.Event) eventResponse {
	resp := eventResponse{
		ID:        ev.ID,
		Action:    string(ev.Action),
		ActorID:   ev.ActorID,
		ActorRole: string(ev.ActorRole),
		Notes:     ev.Notes,
		CreatedAt: ev.CreatedAt.Format(time.RFC3339),
	}
	if ev.OldStatus != nil {
		old := string(*ev.OldStatus)
		resp.OldStatus = &old
	}
	if ev.NewStatus != nil {
		next := string(*ev.NewStatus)
		resp.NewStatus = &next
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}
