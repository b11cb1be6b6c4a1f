package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpay/auth"
	"taskpay/dispute"
	"taskpay/escrow"
	"taskpay/fnb"
	"taskpay/payout"
	"taskpay/runner"
	"taskpay/task"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// TaskService is the slice of the task lifecycle the API exposes.
type TaskService interface {
	Create(ctx context.Context, params task.CreateParams) (task.Task, error)
	List(ctx context.Context, filters task.Filters) (task.ListResult, error)
	Get(ctx context.Context, id string) (task.Task, error)
	Assign(ctx context.Context, taskID, runnerID string) (task.Task, error)
	Fund(ctx context.Context, params task.FundParams) (task.Task, escrow.Escrow, error)
	MarkDelivered(ctx context.Context, taskID, runnerID string) (task.Task, error)
	Complete(ctx context.Context, taskID, clientID string) (task.Task, error)
	Cancel(ctx context.Context, params task.CancelParams) (task.Task, error)
}

// DisputeService covers the dispute operations reachable over HTTP.
type DisputeService interface {
	List(ctx context.Context, userID, escrowID string) ([]dispute.Record, error)
	Open(ctx context.Context, escrowID, raisedBy, reason string) (dispute.Record, error)
	Resolve(ctx context.Context, disputeID string, resolution payout.DisputeResolution, adminID string) (dispute.Record, error)
}

// EscrowEngine covers the admin-facing escrow operations.
type EscrowEngine interface {
	MarkPaymentSettled(ctx context.Context, escrowID, paymentRef string) (escrow.Escrow, error)
	ReleaseEscrow(ctx context.Context, escrowID string, reason escrow.ReleaseReason, actorID string) (escrow.Escrow, error)
	InitiatePayout(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error)
	PollPayoutStatus(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error)
	AbandonPayoutClaim(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error)
	RefundEscrow(ctx context.Context, escrowID, reason, actorID string) (escrow.Escrow, error)
	ConfirmRefund(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error)
	GetEscrowDetails(ctx context.Context, escrowID string) (escrow.Details, error)
}

type Server struct {
	authService    *auth.Service
	runnerService  *runner.Service
	taskService    TaskService
	disputeService DisputeService
	engine         EscrowEngine
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)

	mux.HandleFunc("/api/runners", s.requireAuth(s.handleRunners))
	mux.HandleFunc("/api/runners/", s.requireAuth(s.handleRunner))

	mux.HandleFunc("/api/tasks", s.requireAuth(s.handleTasks))
	mux.HandleFunc("/api/tasks/", s.requireAuth(s.handleTaskDetail))

	mux.HandleFunc("/api/escrows/", s.requireAuth(s.handleEscrowDetail))

	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func userRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

type userResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FullName  string  `json:"fullName"`
	Role      string  `json:"role"`
	Rating    float64 `json:"rating"`
	CreatedAt string  `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Rating:    u.Rating,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

type runnerResponse struct {
	ID        string `json:"id"`
	FullName  string `json:"fullName"`
	BankName  string `json:"bankName,omitempty"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"createdAt"`
}

func toRunnerResponse(p runner.Profile) runnerResponse {
	return runnerResponse{
		ID:        p.ID,
		FullName:  p.FullName,
		BankName:  p.BankName,
		Verified:  p.Verified,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	profiles, err := s.runnerService.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]runnerResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toRunnerResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleRunner(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runners/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid runner id")
		return
	}
	if sub == "bank" {
		s.handleRunnerBank(w, r, id)
		return
	}
	if sub != "" {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	profile, err := s.runnerService.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, runner.ErrNotFound) {
			writeError(w, http.StatusNotFound, "runner not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toRunnerResponse(profile))
}

func (s *Server) handleRunnerBank(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if userID(r) != id && userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "cannot edit another runner's bank details")
		return
	}

	var body struct {
		AccountNumber string `json:"accountNumber"`
		AccountName   string `json:"accountName"`
		BranchCode    string `json:"branchCode"`
		BankName      string `json:"bankName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccountNumber == "" || body.BranchCode == "" {
		writeError(w, http.StatusBadRequest, "accountNumber and branchCode are required")
		return
	}

	err := s.runnerService.SetDestination(r.Context(), id, runner.Destination{
		AccountNumber: body.AccountNumber,
		AccountName:   body.AccountName,
		BranchCode:    body.BranchCode,
	}, body.BankName)
	if err != nil {
		if errors.Is(err, runner.ErrNotFound) {
			writeError(w, http.StatusNotFound, "runner not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type taskResponse struct {
	ID          string  `json:"id"`
	ClientID    string  `json:"clientId"`
	RunnerID    *string `json:"runnerId,omitempty"`
	Title       string  `json:"title"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	EscrowID    *string `json:"escrowId,omitempty"`
	DeliveredAt *string `json:"deliveredAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toTaskResponse(t task.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID,
		ClientID:  t.ClientID,
		RunnerID:  t.RunnerID,
		Title:     t.Title,
		Category:  t.Category,
		Price:     t.Price,
		Currency:  t.Currency,
		Status:    string(t.Status),
		EscrowID:  t.EscrowID,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
	}
	if t.DeliveredAt != nil {
		formatted := t.DeliveredAt.Format(time.RFC3339)
		resp.DeliveredAt = &formatted
	}
	return resp
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTasks(w, r)
	case http.MethodPost:
		s.handleCreateTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := task.Filters{
		ClientID:  q.Get("clientId"),
		RunnerID:  q.Get("runnerId"),
		Status:    task.Status(q.Get("status")),
		Category:  q.Get("category"),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page <= 0 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		filters.Page = page
	}
	if raw := q.Get("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			writeError(w, http.StatusBadRequest, "invalid pageSize")
			return
		}
		filters.PageSize = size
	}

	result, err := s.taskService.List(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]taskResponse, 0, len(result.Items))
	for _, t := range result.Items {
		items = append(items, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if userRole(r) != auth.RoleClient {
		writeError(w, http.StatusForbidden, "only clients can post tasks")
		return
	}

	var body struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Category    string  `json:"category"`
		Price       float64 `json:"price"`
		Currency    string  `json:"currency"`
		DistanceKm  float64 `json:"distanceKm"`
		WeightKg    float64 `json:"weightKg"`
		IsUrgent    bool    `json:"isUrgent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.taskService.Create(r.Context(), task.CreateParams{
		ClientID:    userID(r),
		Title:       body.Title,
		Description: body.Description,
		Category:    body.Category,
		Price:       body.Price,
		Currency:    body.Currency,
		DistanceKm:  body.DistanceKm,
		WeightKg:    body.WeightKg,
		IsUrgent:    body.IsUrgent,
	})
	if err != nil {
		if errors.Is(err, task.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, toTaskResponse(created))
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		found, err := s.taskService.Get(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(found))
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch action {
	case "assign":
		s.handleAssignTask(w, r, taskID)
	case "fund":
		s.handleFundTask(w, r, taskID)
	case "deliver":
		s.handleDeliverTask(w, r, taskID)
	case "complete":
		s.handleCompleteTask(w, r, taskID)
	case "cancel":
		s.handleCancelTask(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		RunnerID string `json:"runnerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RunnerID == "" {
		writeError(w, http.StatusBadRequest, "runnerId is required")
		return
	}

	updated, err := s.taskService.Assign(r.Context(), taskID, body.RunnerID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(updated))
}

func (s *Server) handleFundTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		PaymentRef    string `json:"paymentRef"`
		PaymentMethod string `json:"paymentMethod"`
		IsPeak        bool   `json:"isPeak"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PaymentRef == "" {
		writeError(w, http.StatusBadRequest, "paymentRef is required")
		return
	}

	updated, esc, err := s.taskService.Fund(r.Context(), task.FundParams{
		TaskID:        taskID,
		PaymentRef:    body.PaymentRef,
		PaymentMethod: body.PaymentMethod,
		IsPeak:        body.IsPeak,
	})
	if err != nil {
		if errors.Is(err, escrow.ErrDuplicatePaymentRef) {
			writeError(w, http.StatusConflict, "payment reference already used")
			return
		}
		writeTaskError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":   toTaskResponse(updated),
		"escrow": toEscrowResponse(esc),
	})
}

func (s *Server) handleDeliverTask(w http.ResponseWriter, r *http.Request, taskID string) {
	updated, err := s.taskService.MarkDelivered(r.Context(), taskID, userID(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(updated))
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	updated, err := s.taskService.Complete(r.Context(), taskID, userID(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(updated))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.taskService.Cancel(r.Context(), task.CancelParams{
		TaskID:  taskID,
		ActorID: userID(r),
		IsAdmin: userRole(r) == auth.RoleAdmin,
		Reason:  &body.Reason,
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(updated))
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrCancelForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, task.ErrInvalidState),
		errors.Is(err, task.ErrNotAssigned),
		errors.Is(err, task.ErrNotFunded),
		errors.Is(err, task.ErrNotDelivered),
		errors.Is(err, task.ErrReviewOpen):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type escrowResponse struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"taskId"`
	Currency      string  `json:"currency"`
	TaskPrice     float64 `json:"taskPrice"`
	BookingFee    float64 `json:"bookingFee"`
	Commission    float64 `json:"commission"`
	TotalFees     float64 `json:"totalFees"`
	TotalHeld     float64 `json:"totalHeld"`
	RunnersNet    float64 `json:"runnersNet"`
	Status        string  `json:"status"`
	PaymentStatus string  `json:"paymentStatus"`
	RailStatus    string  `json:"railStatus,omitempty"`
	RetryCount    int     `json:"retryCount"`
	InstructionID *string `json:"instructionId,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	return escrowResponse{
		ID:            e.ID,
		TaskID:        e.TaskID,
		Currency:      e.Currency,
		TaskPrice:     e.TaskPrice,
		BookingFee:    e.BookingFee,
		Commission:    e.Commission,
		TotalFees:     e.TotalFees,
		TotalHeld:     e.TotalHeld,
		RunnersNet:    e.RunnersNet,
		Status:        string(e.Status),
		PaymentStatus: string(e.PaymentStatus),
		RailStatus:    string(e.RailStatus),
		RetryCount:    e.RetryCount,
		InstructionID: e.InstructionID,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

type entryResponse struct {
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Reference string  `json:"reference"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"createdAt"`
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/escrows/")
	escrowID, action, _ := strings.Cut(rest, "/")
	if escrowID == "" {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleEscrowDetails(w, r, escrowID)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	switch action {
	case "settle":
		s.handleSettleEscrow(w, r, escrowID)
	case "release":
		s.handleReleaseEscrow(w, r, escrowID)
	case "refund":
		s.handleRefundEscrow(w, r, escrowID)
	case "refund-confirm":
		s.handleConfirmRefund(w, r, escrowID)
	case "payout":
		s.handleInitiatePayout(w, r, escrowID)
	case "payout-status":
		s.handlePollPayout(w, r, escrowID)
	case "payout-abandon":
		s.handleAbandonPayout(w, r, escrowID)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleEscrowDetails(w http.ResponseWriter, r *http.Request, escrowID string) {
	details, err := s.engine.GetEscrowDetails(r.Context(), escrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			writeError(w, http.StatusNotFound, "escrow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	entries := make([]entryResponse, 0, len(details.Ledger))
	for _, entry := range details.Ledger {
		entries = append(entries, entryResponse{
			Type:      string(entry.Type),
			Amount:    entry.Amount,
			Currency:  entry.Currency,
			Reference: entry.Reference,
			Status:    string(entry.Status),
			CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"escrow": toEscrowResponse(details.Escrow),
		"ledger": entries,
	})
}

func (s *Server) handleSettleEscrow(w http.ResponseWriter, r *http.Request, escrowID string) {
	var body struct {
		PaymentRef string `json:"paymentRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.engine.MarkPaymentSettled(r.Context(), escrowID, body.PaymentRef)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(updated))
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request, escrowID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reason := escrow.ReleaseReason(body.Reason)
	if reason == "" {
		reason = escrow.ReleaseManual
	}

	updated, err := s.engine.ReleaseEscrow(r.Context(), escrowID, reason, userID(r))
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(updated))
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request, escrowID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	updated, err := s.engine.RefundEscrow(r.Context(), escrowID, body.Reason, userID(r))
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(updated))
}

func (s *Server) handleConfirmRefund(w http.ResponseWriter, r *http.Request, escrowID string) {
	updated, err := s.engine.ConfirmRefund(r.Context(), escrowID, userID(r))
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(updated))
}

func (s *Server) handleInitiatePayout(w http.ResponseWriter, r *http.Request, escrowID string) {
	updated, err := s.engine.InitiatePayout(r.Context(), escrowID, userID(r))
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toEscrowResponse(updated))
}

func (s *Server) handleAbandonPayout(w http.ResponseWriter, r *http.Request, escrowID string) {
	updated, err := s.engine.AbandonPayoutClaim(r.Context(), escrowID, userID(r))
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(updated))
}

func (s *Server) handlePollPayout(w http.ResponseWriter, r *http.Request, escrowID string) {
	updated, err := s.engine.PollPayoutStatus(r.Context(), escrowID, userID(r))
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(updated))
}

func writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, "escrow not found")
	case errors.Is(err, escrow.ErrPayoutInFlight):
		writeError(w, http.StatusConflict, "payout already in flight")
	case errors.Is(err, payout.ErrNotHeld),
		errors.Is(err, payout.ErrNotPending),
		errors.Is(err, payout.ErrNotReleased),
		errors.Is(err, payout.ErrNotRefundable),
		errors.Is(err, payout.ErrNotDisputed),
		errors.Is(err, payout.ErrNoInstruction),
		errors.Is(err, payout.ErrRetryExhausted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payout.ErrPaymentRefMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runner.ErrNoDestination):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case fnb.IsAPIError(err):
		writeError(w, http.StatusBadGateway, "payment rail error")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type disputeResponse struct {
	ID         string  `json:"id"`
	EscrowID   string  `json:"escrowId"`
	TaskID     string  `json:"taskId"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	Resolution *string `json:"resolution,omitempty"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:         rec.ID,
		EscrowID:   rec.EscrowID,
		TaskID:     rec.TaskID,
		Reason:     rec.Reason,
		Status:     string(rec.Status),
		Resolution: rec.Resolution,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		formatted := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &formatted
	}
	return resp
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDisputes(w, r)
	case http.MethodPost:
		s.handleCreateDispute(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputeService.List(r.Context(), userID(r), r.URL.Query().Get("escrowId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EscrowID string `json:"escrowId"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EscrowID == "" {
		writeError(w, http.StatusBadRequest, "escrowId is required")
		return
	}

	record, err := s.disputeService.Open(r.Context(), body.EscrowID, userID(r), body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrForbidden):
			writeError(w, http.StatusNotFound, "escrow not found")
		case errors.Is(err, dispute.ErrAlreadyOpen):
			writeError(w, http.StatusConflict, "dispute already open")
		case errors.Is(err, payout.ErrNotHeld):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toDisputeResponse(record))
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	disputeID := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	if disputeID == "" || strings.Contains(disputeID, "/") {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resolution := payout.DisputeResolution(body.Resolution)
	switch resolution {
	case payout.ResolutionDismiss, payout.ResolutionRelease, payout.ResolutionRefund:
	default:
		writeError(w, http.StatusBadRequest, "invalid resolution")
		return
	}

	record, err := s.disputeService.Resolve(r.Context(), disputeID, resolution, userID(r))
	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrNotFound):
			writeError(w, http.StatusNotFound, "dispute not found")
		case errors.Is(err, dispute.ErrBadStatus):
			writeError(w, http.StatusBadRequest, "dispute is not open")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, toDisputeResponse(record))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
