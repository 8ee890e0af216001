package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the client. Remote failures wrap one of these in a
// RemoteError, so callers can match them with errors.Is.
var (
	ErrAuthentication       = errors.New("invalid username or password")
	ErrRegistration         = errors.New("failed to register")
	ErrRegistrationConflict = errors.New("username already exists")
	ErrAuthorization        = errors.New("not allowed to act on this resource")
	ErrUnauthorized         = errors.New("session rejected by server")
	ErrFetch                = errors.New("failed to fetch transactions")
	ErrSubmission           = errors.New("failed to submit transaction")
	ErrExport               = errors.New("failed to generate report")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrDeleteNotConfirmed   = errors.New("deletion was not confirmed")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrMissingCredentials   = errors.New("username and password are required")
	ErrBusy                 = errors.New("another request is in progress")
)

// RemoteError describes a failed call to the remote API.
type RemoteError struct {
	Op     string // logical operation, e.g. "list"
	Status int    // HTTP status, 0 when the request never got a response
	Kind   error  // one of the Err* kinds above
	Err    error  // underlying cause
}

func (e *RemoteError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d %s)", msg, e.Status, http.StatusText(e.Status))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *RemoteError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}

// UserMessage turns an error into the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredentials):
		return "Preencha usuário e senha."
	case errors.Is(err, ErrBusy):
		return "Aguarde a operação em andamento."
	case errors.Is(err, ErrAuthentication):
		return "Usuário ou senha inválidos"
	case errors.Is(err, ErrRegistrationConflict):
		return "Erro ao cadastrar. Este usuário já existe."
	case errors.Is(err, ErrRegistration):
		return "Erro ao cadastrar. Tente novamente mais tarde."
	case errors.Is(err, ErrExport):
		return "Erro ao gerar PDF"
	case errors.Is(err, ErrAuthorization):
		return "Erro: Você só pode apagar os registros que você mesmo criou!"
	case errors.Is(err, ErrUnauthorized):
		return "Sessão expirada. Faça login novamente."
	case errors.Is(err, ErrNotAuthenticated):
		return "Faça login para continuar."
	case errors.Is(err, ErrDeleteNotConfirmed):
		return "Exclusão cancelada."
	case errors.Is(err, ErrInvalidTransaction):
		return "Registro inválido: " + err.Error()
	case errors.Is(err, ErrFetch):
		return "Erro ao buscar dados"
	case errors.Is(err, ErrSubmission):
		return "Erro ao salvar registro"
	default:
		return "Erro inesperado: " + err.Error()
	}
}
