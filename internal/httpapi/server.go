package httpapi

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/kpnc/server/internal/account"
	"github.com/kpnc/server/internal/apperr"
	"github.com/kpnc/server/internal/fcm"
	"github.com/kpnc/server/internal/imageboard"
	"github.com/kpnc/server/internal/invite"
	"github.com/kpnc/server/internal/logs"
	"github.com/kpnc/server/internal/reply"
	"github.com/kpnc/server/internal/throttle"
	"github.com/kpnc/server/internal/watch"
)

const defaultAccountValidity = 7 * 24 * time.Hour

// Server wires every component store behind the routes spec.md §6
// names. It holds no state of its own beyond its dependencies — every
// handler decodes its request, calls into exactly one store method,
// and encodes the result.
type Server struct {
	accounts        *account.Store
	watches         *watch.Store
	replies         *reply.Store
	invites         *invite.Store
	logs            *logs.Store
	registry        *imageboard.Registry
	throttler       *throttle.Throttler
	fcmClient       fcm.Client
	applicationType string
	logger          *slog.Logger
}

// New constructs a Server.
func New(
	accounts *account.Store,
	watches *watch.Store,
	replies *reply.Store,
	invites *invite.Store,
	logStore *logs.Store,
	registry *imageboard.Registry,
	throttler *throttle.Throttler,
	fcmClient fcm.Client,
	applicationType string,
	logger *slog.Logger,
) *Server {
	return &Server{
		accounts:        accounts,
		watches:         watches,
		replies:         replies,
		invites:         invites,
		logs:            logStore,
		registry:        registry,
		throttler:       throttler,
		fcmClient:       fcmClient,
		applicationType: applicationType,
		logger:          logger,
	}
}

// Routes builds the route table with the throttler wired in ahead of
// every handler as middleware (SPEC_FULL.md: "internal/throttle is
// wired in as net/http middleware ahead of the route table").
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /create_account", s.handleCreateAccount)
	mux.HandleFunc("POST /update_firebase_token", s.handleUpdateFirebaseToken)
	mux.HandleFunc("POST /update_account_expiry_date", s.handleUpdateAccountExpiryDate)
	mux.HandleFunc("POST /get_account_info", s.handleGetAccountInfo)
	mux.HandleFunc("POST /watch_post", s.handleWatchPost)
	mux.HandleFunc("POST /unwatch_post", s.handleUnwatchPost)
	mux.HandleFunc("POST /update_message_delivered", s.handleUpdateMessageDelivered)
	mux.HandleFunc("POST /send_test_push", s.handleSendTestPush)
	mux.HandleFunc("POST /generate_invites", s.handleGenerateInvites)
	mux.HandleFunc("GET /view_invite", s.handleViewInvite)
	mux.HandleFunc("GET /get_logs", s.handleGetLogs)
	return s.throttleMiddleware(mux)
}

// throttleMiddleware rejects requests over the per-IP, per-route limit
// before any handler runs, per spec.md §4.I.
func (s *Server) throttleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeName(r.URL.Path)
		if !s.throttler.CanProceed(route, r.RemoteAddr) {
			writeErr(w, apperr.New(apperr.KindClientValidation, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routeName(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

func (s *Server) accountIDFor(userID string) (string, error) {
	if len(userID) == 0 || len(userID) > 4096 {
		return "", apperr.ClientValidation("user_id has invalid length")
	}
	return account.HashUserID(userID), nil
}

type createAccountRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.accounts.Create(r.Context(), accountID, nil, defaultAccountValidity); err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w)
}

type updateFirebaseTokenRequest struct {
	UserID        string `json:"user_id"`
	FirebaseToken string `json:"firebase_token"`
}

func (s *Server) handleUpdateFirebaseToken(w http.ResponseWriter, r *http.Request) {
	var req updateFirebaseTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.FirebaseToken == "" {
		writeErr(w, apperr.ClientValidation("firebase_token must not be empty"))
		return
	}
	if err := s.accounts.UpdateToken(r.Context(), accountID, s.applicationType, req.FirebaseToken); err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w)
}

type updateAccountExpiryDateRequest struct {
	UserID       string `json:"user_id"`
	ValidForDays int    `json:"valid_for_days"`
}

func (s *Server) handleUpdateAccountExpiryDate(w http.ResponseWriter, r *http.Request) {
	var req updateAccountExpiryDateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.ValidForDays < 1 || req.ValidForDays > 365 {
		writeErr(w, apperr.ClientValidation("valid_for_days must be between 1 and 365"))
		return
	}
	validUntil := time.Now().Add(time.Duration(req.ValidForDays) * 24 * time.Hour)
	if err := s.accounts.UpdateExpiry(r.Context(), accountID, validUntil); err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w)
}

type getAccountInfoRequest struct {
	UserID string `json:"user_id"`
}

type accountInfoResponse struct {
	IsValid    bool       `json:"is_valid"`
	ValidUntil *time.Time `json:"valid_until"`
}

func (s *Server) handleGetAccountInfo(w http.ResponseWriter, r *http.Request) {
	var req getAccountInfoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	acc, err := s.accounts.Get(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, accountInfoResponse{IsValid: acc.Valid(time.Now()), ValidUntil: acc.ValidUntil})
}

type watchPostRequest struct {
	UserID          string `json:"user_id"`
	PostURL         string `json:"post_url"`
	ApplicationType string `json:"application_type"`
}

func (s *Server) handleWatchPost(w http.ResponseWriter, r *http.Request) {
	var req watchPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.ApplicationType == "" {
		writeErr(w, apperr.ClientValidation("application_type must not be empty"))
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}

	adapter, ok := s.registry.ForURL(req.PostURL)
	if !ok {
		writeErr(w, apperr.ClientValidation("post_url does not match any supported site"))
		return
	}
	// adapter.PostURLToDescriptor already rejects boards outside its
	// allowlist (SPEC_FULL.md component F), so there is nothing further
	// to validate here.
	pd, err := adapter.PostURLToDescriptor(req.PostURL)
	if err != nil {
		writeErr(w, apperr.ClientValidation("post_url could not be parsed: %v", err))
		return
	}

	created, err := s.watches.StartWatching(r.Context(), accountID, pd)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, map[string]bool{"success": true, "created": created})
}

type unwatchPostRequest struct {
	UserID          string `json:"user_id"`
	PostURL         string `json:"post_url"`
	ApplicationType string `json:"application_type"`
}

func (s *Server) handleUnwatchPost(w http.ResponseWriter, r *http.Request) {
	var req unwatchPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.ApplicationType == "" {
		writeErr(w, apperr.ClientValidation("application_type must not be empty"))
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	adapter, ok := s.registry.ForURL(req.PostURL)
	if !ok {
		writeErr(w, apperr.ClientValidation("post_url does not match any supported site"))
		return
	}
	pd, err := adapter.PostURLToDescriptor(req.PostURL)
	if err != nil {
		writeErr(w, apperr.ClientValidation("post_url could not be parsed: %v", err))
		return
	}
	if err := s.watches.StopWatching(r.Context(), accountID, pd); err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w)
}

type updateMessageDeliveredRequest struct {
	UserID    string  `json:"user_id"`
	ReplyIDs  []int64 `json:"reply_ids"`
}

const maxReplyIDsPerRequest = 8192

func (s *Server) handleUpdateMessageDelivered(w http.ResponseWriter, r *http.Request) {
	var req updateMessageDeliveredRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(req.ReplyIDs) > maxReplyIDsPerRequest {
		writeErr(w, apperr.ClientValidation("reply_ids exceeds the maximum of %d", maxReplyIDsPerRequest))
		return
	}

	tx, err := s.replies.BeginTx(r.Context())
	if err != nil {
		writeErr(w, apperr.Transient(err, "begin update message delivered"))
		return
	}
	defer tx.Rollback()
	if err := s.replies.MarkAsNotifiedForAccount(r.Context(), tx, accountID, req.ReplyIDs); err != nil {
		writeErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeErr(w, apperr.Transient(err, "commit update message delivered"))
		return
	}
	writeSuccess(w)
}

type sendTestPushRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleSendTestPush(w http.ResponseWriter, r *http.Request) {
	var req sendTestPushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	accountID, err := s.accountIDFor(req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	acc, err := s.accounts.Get(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	token, ok := acc.Tokens[s.applicationType]
	if !ok || token == "" {
		writeErr(w, apperr.NotFound("account has no registered token for this application"))
		return
	}
	if err := s.fcmClient.Send(r.Context(), token, fcm.Payload{NewReplyURLs: []string{}}); err != nil {
		writeErr(w, apperr.Upstream(err, "test push failed"))
		return
	}
	writeSuccess(w)
}

type generateInvitesRequest struct {
	AmountToGenerate int `json:"amount_to_generate"`
}

type generateInvitesResponse struct {
	Invites []string `json:"invites"`
}

func (s *Server) handleGenerateInvites(w http.ResponseWriter, r *http.Request) {
	var req generateInvitesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.AmountToGenerate < 1 || req.AmountToGenerate > 255 {
		writeErr(w, apperr.ClientValidation("amount_to_generate must be between 1 and 255"))
		return
	}
	ids, err := s.invites.Generate(r.Context(), req.AmountToGenerate)
	if err != nil {
		writeErr(w, err)
		return
	}
	urls := make([]string, len(ids))
	for i, id := range ids {
		urls[i] = fmt.Sprintf("/view_invite?invite=%s", id)
	}
	writeData(w, generateInvitesResponse{Invites: urls})
}

func (s *Server) handleViewInvite(w http.ResponseWriter, r *http.Request) {
	inviteID := r.URL.Query().Get("invite")
	if inviteID == "" {
		http.Error(w, "missing invite parameter", http.StatusBadRequest)
		return
	}
	userID, err := s.invites.Accept(r.Context(), inviteID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<html><body><p>Your user id:</p><pre>%s</pre></body></html>", html.EscapeString(userID))
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	num, err := parseIntQuery(r, "num", 100)
	if err != nil {
		writeErr(w, err)
		return
	}
	lastID, err := parseIntQuery(r, "last_id", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	lines, err := s.logs.GetLogs(r.Context(), num, int64(lastID))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, map[string]any{"log_lines": lines})
}

func parseIntQuery(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, apperr.ClientValidation("%s must be an integer", key)
	}
	return n, nil
}

// shutdownTimeout bounds how long Shutdown waits for in-flight
// requests to drain (spec.md §5 "server shutdown aborts the listener
// task and lets in-flight request tasks drain").
const shutdownTimeout = 10 * time.Second

// Shutdown gracefully drains srv, per spec.md §5.
func Shutdown(ctx context.Context, srv *http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
