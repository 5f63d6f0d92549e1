// Package httpserver exposes the bot control surface: start, stop, status,
// and recover per user, plus an operator fleet view. Every request is
// authenticated by API token and admitted through the rate limiter before it
// reaches the lifecycle manager.
package httpserver

import (
	"log"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/bot"
	"github.com/blitzgrid/blitz/internal/ratelimit"
	"github.com/blitzgrid/blitz/internal/recovery"
	"github.com/blitzgrid/blitz/internal/userstore"
)

const (
	startPath   = "/api/bot/start"
	stopPath    = "/api/bot/stop"
	statusPath  = "/api/bot/status"
	recoverPath = "/api/bot/recover"

	adminBotsPath = "/api/admin/bots"
	healthzPath   = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type userHandler func(http.ResponseWriter, *http.Request, userstore.User)

type httpServer struct {
	users   userstore.Store
	manager *bot.Manager
	limiter *ratelimit.Limiter
	logger  *log.Logger
}

// NewHandler wires the control routes.
func NewHandler(users userstore.Store, manager *bot.Manager, limiter *ratelimit.Limiter, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	server := &httpServer{users: users, manager: manager, limiter: limiter, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(startPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.authed(ratelimit.ClassStart, server.startBot),
	}))
	mux.Handle(stopPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.authed(ratelimit.ClassStop, server.stopBot),
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.authed(ratelimit.ClassStatus, server.botStatus),
	}))
	mux.Handle(recoverPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.authed(ratelimit.ClassRecover, server.recoverBot),
	}))

	mux.Handle(adminBotsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.authedAdmin(server.listBots),
	}))

	mux.Handle(healthzPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.healthz,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// authed resolves the bearer token to a user and charges the request against
// the class budget before invoking the handler.
func (s *httpServer) authed(class ratelimit.Class, next userHandler) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		if err := s.limiter.Allow(r.Context(), user.Identity(), class); err != nil {
			writeErr(w, err)
			return
		}
		next(w, r, user)
	}
}

// authedAdmin authenticates and requires the operator role. Admin traffic is
// not metered.
func (s *httpServer) authedAdmin(next userHandler) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		if !user.Identity().IsAdmin() {
			writeError(w, http.StatusForbidden, "auth", "operator role required")
			return
		}
		next(w, r, user)
	}
}

func (s *httpServer) authenticate(w http.ResponseWriter, r *http.Request) (userstore.User, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, string(errs.CodeAuth), "missing bearer token")
		return userstore.User{}, false
	}
	user, err := s.users.GetByToken(r.Context(), token)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeAuth {
			writeError(w, http.StatusUnauthorized, string(errs.CodeAuth), "invalid api token")
		} else {
			writeErr(w, err)
		}
		return userstore.User{}, false
	}
	return user, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *httpServer) startBot(w http.ResponseWriter, r *http.Request, user userstore.User) {
	if err := s.manager.Start(r.Context(), user); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *httpServer) stopBot(w http.ResponseWriter, r *http.Request, user userstore.User) {
	if err := s.manager.Stop(r.Context(), user.ID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *httpServer) botStatus(w http.ResponseWriter, r *http.Request, user userstore.User) {
	summary, err := s.manager.Status(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryPayload(summary))
}

func (s *httpServer) recoverBot(w http.ResponseWriter, r *http.Request, user userstore.User) {
	actions, err := s.manager.Recover(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	payload := make([]actionView, 0, len(actions))
	for _, action := range actions {
		payload = append(payload, actionPayload(action))
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": payload})
}

func (s *httpServer) listBots(w http.ResponseWriter, _ *http.Request, _ userstore.User) {
	summaries := s.manager.ListAll()
	bots := make(map[string]statusView, len(summaries))
	for _, summary := range summaries {
		bots[strconv.FormatInt(summary.UserID, 10)] = summaryPayload(summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (s *httpServer) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusView struct {
	Running   bool   `json:"running"`
	Status    string `json:"status"`
	Uptime    string `json:"uptime,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	LastBeat  string `json:"last_beat,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func summaryPayload(summary bot.Summary) statusView {
	view := statusView{
		Running:   summary.Running,
		Status:    string(summary.Status),
		LastError: summary.LastErr,
	}
	if summary.Running {
		view.Uptime = summary.Uptime.Truncate(time.Second).String()
	}
	if !summary.StartedAt.IsZero() {
		view.StartedAt = summary.StartedAt.UTC().Format(time.RFC3339)
	}
	if !summary.LastBeat.IsZero() {
		view.LastBeat = summary.LastBeat.UTC().Format(time.RFC3339)
	}
	return view
}

type actionView struct {
	Tag     string `json:"tag"`
	Created bool   `json:"created"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func actionPayload(action recovery.Action) actionView {
	view := actionView{
		Tag:     action.Tag,
		Created: action.Created,
		OrderID: action.Order.ExchangeOrderID,
	}
	if action.Err != nil {
		view.Error = action.Err.Error()
	}
	return view
}

// writeErr maps a structured error to an HTTP status. Unknown errors are
// reported as 500 without leaking internals.
func writeErr(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError

	switch code {
	case errs.CodeRateLimited, errs.CodeBusy:
		status = http.StatusTooManyRequests
		if retryAfter := errs.RetryAfterOf(err); retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
		}
	case errs.CodeAlreadyRunning:
		status = http.StatusConflict
	case errs.CodeAuth:
		status = http.StatusUnauthorized
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeExchange, errs.CodeNetwork:
		status = http.StatusBadGateway
	case errs.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case errs.CodeStopTimeout:
		status = http.StatusGatewayTimeout
	case errs.CodeCredentials, errs.CodeNotRunning:
		status = http.StatusInternalServerError
	}

	message := "internal error"
	if code != "" {
		message = err.Error()
	}
	writeError(w, status, string(code), message)
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]string{"status": "error", "error": message}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
