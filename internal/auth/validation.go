package auth

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailRegex       = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	newPasswordChars = regexp.MustCompile(`^[A-Za-z\d@$!%*?&#]{8,}$`)
	upperRegex       = regexp.MustCompile(`[A-Z]`)
	digitRegex       = regexp.MustCompile(`\d`)
	specialRegex     = regexp.MustCompile(`[@$!%*?&#]`)
)

const (
	maxEmailLength    = 100
	minPasswordLength = 8
	twoFactorLength   = 6

	newPasswordTooLongMessage = "Senha deve ter no máximo 72 caracteres"
)

type loginRequest struct {
	Email         string     `json:"email"`
	Password      string     `json:"senha"`
	UserType      UserType   `json:"tipo_usuario"`
	StaySignedIn  bool       `json:"manter_conectado"`
	TwoFactorCode *string    `json:"codigo_2fa"`
	Method        AuthMethod `json:"metodo_autenticacao"`
	ExternalToken string     `json:"token_acesso_externo"`
}

type logoutRequest struct {
	UserKey   string      `json:"id_usuario"`
	SessionID string      `json:"sessao_id"`
	Scope     LogoutScope `json:"tipo_logout"`
}

type recoveryRequest struct {
	Email    string   `json:"email"`
	UserType UserType `json:"tipo_usuario"`
}

type resetRequest struct {
	Token        string `json:"token_recuperacao"`
	NewPassword  string `json:"nova_senha"`
	Confirmation string `json:"confirmacao_senha"`
}

type fieldErrors []FieldError

func (f *fieldErrors) add(field, message string) {
	*f = append(*f, FieldError{Field: field, Message: message})
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return ValidationError(f)
}

func checkEmail(errs *fieldErrors, email string) {
	switch {
	case email == "":
		errs.add("email", "Email é obrigatório")
	case utf8.RuneCountInString(email) > maxEmailLength:
		errs.add("email", "Email deve ter no máximo 100 caracteres")
	case !emailRegex.MatchString(email):
		errs.add("email", "Email inválido")
	}
}

func checkUserType(errs *fieldErrors, userType UserType) {
	if !userType.Valid() {
		errs.add("tipo_usuario", "Tipo de usuário inválido")
	}
}

func (r *loginRequest) normalize() error {
	r.Email = strings.TrimSpace(r.Email)
	if r.Method == "" {
		r.Method = AuthMethodDirect
	}

	var errs fieldErrors
	checkEmail(&errs, r.Email)
	if utf8.RuneCountInString(r.Password) < minPasswordLength {
		errs.add("senha", "Senha deve ter no mínimo 8 caracteres")
	}
	checkUserType(&errs, r.UserType)
	if r.TwoFactorCode != nil && utf8.RuneCountInString(*r.TwoFactorCode) != twoFactorLength {
		errs.add("codigo_2fa", "Código 2FA deve ter 6 caracteres")
	}
	if !r.Method.Valid() {
		errs.add("metodo_autenticacao", "Método de autenticação inválido")
	} else if r.Method != AuthMethodDirect && strings.TrimSpace(r.ExternalToken) == "" {
		errs.add("token_acesso_externo", "Token de acesso externo é obrigatório")
	}
	return errs.err()
}

func (r *logoutRequest) normalize() error {
	r.UserKey = strings.TrimSpace(r.UserKey)
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.Scope == "" {
		r.Scope = LogoutCurrent
	}

	var errs fieldErrors
	if r.UserKey == "" {
		errs.add("id_usuario", "Usuário é obrigatório")
	}
	if r.SessionID == "" {
		errs.add("sessao_id", "Sessão é obrigatória")
	}
	if r.Scope != LogoutCurrent && r.Scope != LogoutAll {
		errs.add("tipo_logout", "Tipo de logout inválido")
	}
	return errs.err()
}

func (r *recoveryRequest) normalize() error {
	r.Email = strings.TrimSpace(r.Email)

	var errs fieldErrors
	checkEmail(&errs, r.Email)
	checkUserType(&errs, r.UserType)
	return errs.err()
}

func (r *resetRequest) normalize() error {
	r.Token = strings.TrimSpace(r.Token)

	var errs fieldErrors
	if r.Token == "" {
		errs.add("token_recuperacao", "Token de recuperação é obrigatório")
	}
	if !StrongPassword(r.NewPassword) {
		errs.add("nova_senha", "Senha deve ter no mínimo 8 caracteres, uma letra maiúscula, um número e um caractere especial")
	} else if len(r.NewPassword) > MaxPasswordBytes {
		errs.add("nova_senha", newPasswordTooLongMessage)
	}
	if err := errs.err(); err != nil {
		return err
	}
	if r.NewPassword != r.Confirmation {
		return &Error{
			Code:    CodePasswordMismatch,
			Message: "Senhas não conferem",
			Details: []FieldError{{Field: "confirmacao_senha", Message: "Senhas não conferem"}},
		}
	}
	return nil
}

// StrongPassword reports whether password satisfies the reset policy.
func StrongPassword(password string) bool {
	return newPasswordChars.MatchString(password) &&
		upperRegex.MatchString(password) &&
		digitRegex.MatchString(password) &&
		specialRegex.MatchString(password)
}
