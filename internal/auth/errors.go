package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/oops"
)

type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeInvalidCredentials   Code = "INVALID_CREDENTIALS"
	CodeTemporarilyBlocked   Code = "ACCOUNT_TEMPORARILY_BLOCKED"
	CodeAccountInactive      Code = "ACCOUNT_INACTIVE"
	CodeAccountBlocked       Code = "ACCOUNT_BLOCKED"
	CodeAccountPending       Code = "ACCOUNT_PENDING"
	CodeAccountRejected      Code = "ACCOUNT_REJECTED"
	CodeTwoFactorRequired    Code = "2FA_REQUIRED"
	CodeInvalidTwoFactorCode Code = "INVALID_2FA_CODE"
	CodeInvalidSession       Code = "INVALID_SESSION"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeRequestLimitExceeded Code = "REQUEST_LIMIT_EXCEEDED"
	CodeInvalidToken         Code = "INVALID_TOKEN"
	CodeExpiredToken         Code = "EXPIRED_TOKEN"
	CodePasswordRecentlyUsed Code = "PASSWORD_RECENTLY_USED"
	CodePasswordMismatch     Code = "PASSWORD_MISMATCH"
	CodeTooManyRequests      Code = "TOO_MANY_REQUESTS"
	CodeInternal             Code = "INTERNAL_ERROR"
)

const backendFailureCode = "AUTH_BACKEND_FAILURE"

var codeStatus = map[Code]int{
	CodeValidation:           http.StatusBadRequest,
	CodeInvalidCredentials:   http.StatusUnauthorized,
	CodeTemporarilyBlocked:   http.StatusForbidden,
	CodeAccountInactive:      http.StatusForbidden,
	CodeAccountBlocked:       http.StatusForbidden,
	CodeAccountPending:       http.StatusForbidden,
	CodeAccountRejected:      http.StatusForbidden,
	CodeTwoFactorRequired:    http.StatusForbidden,
	CodeInvalidTwoFactorCode: http.StatusUnauthorized,
	CodeInvalidSession:       http.StatusUnauthorized,
	CodeUnauthorized:         http.StatusUnauthorized,
	CodeRequestLimitExceeded: http.StatusTooManyRequests,
	CodeInvalidToken:         http.StatusBadRequest,
	CodeExpiredToken:         http.StatusBadRequest,
	CodePasswordRecentlyUsed: http.StatusBadRequest,
	CodePasswordMismatch:     http.StatusBadRequest,
	CodeTooManyRequests:      http.StatusTooManyRequests,
	CodeInternal:             http.StatusInternalServerError,
}

// Status returns the HTTP status class the boundary maps the code to.
func (c Code) Status() int {
	if status, ok := codeStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// FieldError is one entry of a validation detail list, forwarded verbatim.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a terminal, typed failure of one flow.
type Error struct {
	Code    Code
	Message string
	Details []FieldError
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Status() int {
	return e.Code.Status()
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinels for errors.Is checks; flows return fresh values with the same codes.
var (
	ErrInvalidCredentials   = newError(CodeInvalidCredentials, "Email ou senha incorretos")
	ErrTemporarilyBlocked   = newError(CodeTemporarilyBlocked, "Conta temporariamente bloqueada devido a múltiplas tentativas de login. Tente novamente em 30 minutos")
	ErrAccountInactive      = newError(CodeAccountInactive, "Sua conta está inativa. Entre em contato com o suporte")
	ErrAccountBlocked       = newError(CodeAccountBlocked, "Sua conta foi bloqueada. Entre em contato com o suporte")
	ErrAccountPending       = newError(CodeAccountPending, "Seu cadastro ainda está em análise. Você receberá um email quando for aprovado")
	ErrAccountRejected      = newError(CodeAccountRejected, "Seu cadastro não foi aprovado. Entre em contato com o suporte para mais informações")
	ErrTwoFactorRequired    = newError(CodeTwoFactorRequired, "Código de verificação 2FA necessário")
	ErrInvalidTwoFactorCode = newError(CodeInvalidTwoFactorCode, "Código de verificação inválido")
	ErrInvalidSession       = newError(CodeInvalidSession, "Sessão inválida")
	ErrUnauthorized         = newError(CodeUnauthorized, "Não autorizado")
	ErrRequestLimitExceeded = newError(CodeRequestLimitExceeded, "Você atingiu o limite de solicitações de recuperação. Tente novamente mais tarde")
	ErrInvalidToken         = newError(CodeInvalidToken, "Token inválido ou já utilizado")
	ErrExpiredToken         = newError(CodeExpiredToken, "Token expirado")
	ErrPasswordRecentlyUsed = newError(CodePasswordRecentlyUsed, "Por favor, escolha uma senha diferente das últimas utilizadas")
	ErrUnsupportedUserType  = newError(CodeValidation, "Tipo de usuário não suportado")
)

// fail returns a copy of the sentinel so callers cannot mutate shared values.
func fail(sentinel *Error) *Error {
	copied := *sentinel
	return &copied
}

func lockoutError(duration time.Duration) *Error {
	return &Error{
		Code:    CodeTemporarilyBlocked,
		Message: fmt.Sprintf("Conta bloqueada por %d minutos devido a múltiplas tentativas incorretas", int(duration.Minutes())),
	}
}

// ValidationError builds the VALIDATION_ERROR failure with its field details.
func ValidationError(details []FieldError) *Error {
	return &Error{Code: CodeValidation, Message: "Dados inválidos", Details: details}
}

// backendFailure wraps an unexpected store or directory error.
func backendFailure(operation string, err error) error {
	return oops.Code(backendFailureCode).
		With("operation", operation).
		Wrap(err)
}

// AsError extracts the typed failure; anything else is reported as INTERNAL_ERROR.
func AsError(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return &Error{Code: CodeInternal, Message: "Erro interno"}, false
}
