package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"authcore/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{service: service, logger: logger}
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    Code         `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type sessionView struct {
	ID           string    `json:"sessao_id"`
	UserKey      string    `json:"id_usuario"`
	UserType     UserType  `json:"tipo_usuario"`
	LoginAt      time.Time `json:"data_login"`
	LastAccessAt time.Time `json:"ultimo_acesso"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	StaySignedIn bool      `json:"manter_conectado"`
}

type sessionResponse struct {
	Current sessionView   `json:"sessao"`
	Active  []sessionView `json:"sessoes_ativas"`
}

func newSessionView(s Session) sessionView {
	return sessionView{
		ID:           s.ID,
		UserKey:      string(s.Key),
		UserType:     s.UserType,
		LoginAt:      s.LoginAt,
		LastAccessAt: s.LastAccessAt,
		IP:           s.Origin.IP,
		UserAgent:    s.Origin.UserAgent,
		StaySignedIn: s.StaySignedIn,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeFailure(w, ValidationError([]FieldError{{Field: "body", Message: "JSON inválido"}}))
		return false
	}
	return true
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := body.normalize(); err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.service.Login(r.Context(), LoginInput{
		Email:         body.Email,
		Password:      body.Password,
		UserType:      body.UserType,
		StaySignedIn:  body.StaySignedIn,
		TwoFactorCode: body.TwoFactorCode,
		Method:        body.Method,
		Origin:        AccessOrigin{IP: clientIP(r), UserAgent: r.UserAgent()},
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, result)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body logoutRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := body.normalize(); err != nil {
		h.respondError(w, r, err)
		return
	}

	confirmation, err := h.service.Logout(r.Context(), LogoutInput{
		Key:       IdentityKey(body.UserKey),
		SessionID: body.SessionID,
		Scope:     body.Scope,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, confirmation)
}

func (h *Handler) RequestRecovery(w http.ResponseWriter, r *http.Request) {
	var body recoveryRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := body.normalize(); err != nil {
		h.respondError(w, r, err)
		return
	}

	confirmation, err := h.service.RequestRecovery(r.Context(), RecoveryRequestInput{
		Email:    body.Email,
		UserType: body.UserType,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, confirmation)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := body.normalize(); err != nil {
		h.respondError(w, r, err)
		return
	}

	confirmation, err := h.service.ResetPassword(r.Context(), RecoveryResetInput{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, confirmation)
}

// Session answers with the caller's session and every active session of the same identity.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	current, ok := SessionFromContext(r.Context())
	if !ok {
		writeFailure(w, fail(ErrUnauthorized))
		return
	}

	active, err := h.service.ActiveSessions(r.Context(), current.Key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	views := make([]sessionView, 0, len(active))
	for _, s := range active {
		views = append(views, newSessionView(s))
	}
	writeSuccess(w, http.StatusOK, sessionResponse{Current: newSessionView(current), Active: views})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	typed, ok := AsError(err)
	if !ok {
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
		h.logger.Error("auth_request_failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		})
	}
	writeFailure(w, typed)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, failure *Error) {
	writeJSON(w, failure.Status(), envelope{
		Success: false,
		Error: &errorBody{
			Code:    failure.Code,
			Message: failure.Message,
			Details: failure.Details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
