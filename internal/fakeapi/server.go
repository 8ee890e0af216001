// Package fakeapi is an in-process stand-in for the remote cash-flow API,
// used by tests.
package fakeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"caixa/internal/core"
)

// ReportContentType is what the fake serves for /relatorio/.
const ReportContentType = "application/pdf"

// Hook runs before the built-in handler. Returning true means the hook wrote
// the response itself.
type Hook func(w http.ResponseWriter, r *http.Request) bool

type account struct {
	id   int64
	hash []byte
}

type record struct {
	tx    core.Transaction
	owner int64
}

// Server mimics the remote API: bcrypt passwords, HS256 bearer tokens, per
// user ownership on delete and date-range filtering on list and report.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
	users    map[string]account
	revoked  map[string]bool
	records  []record
	nextUser int64
	nextTx   int64
	hooks    []Hook
	counts   map[string]int
}

type Option func(*Server)

// WithClock fixes the server clock used for creation timestamps and token
// expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithTokenTTL sets how long issued tokens stay valid.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.ttl = d }
}

// New starts a server. Call Close when done.
func New(opts ...Option) *Server {
	s := &Server{
		secret:  []byte("fakeapi-secret"),
		ttl:     7 * 24 * time.Hour,
		now:     time.Now,
		users:   make(map[string]account),
		revoked: make(map[string]bool),
		counts:  make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/", s.handleLogin)
	mux.HandleFunc("POST /usuarios/", s.handleRegister)
	mux.HandleFunc("GET /transacoes/", s.handleList)
	mux.HandleFunc("POST /transacoes/", s.handleCreate)
	mux.HandleFunc("DELETE /transacoes/{id}", s.handleDelete)
	mux.HandleFunc("GET /relatorio/", s.handleReport)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[routeKey(r)]++
		hooks := append([]Hook(nil), s.hooks...)
		s.mu.Unlock()

		for _, h := range hooks {
			if h(w, r) {
				return
			}
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// Use installs a hook. Hooks run in installation order.
func (s *Server) Use(h Hook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// ClearHooks removes every hook.
func (s *Server) ClearHooks() {
	s.mu.Lock()
	s.hooks = nil
	s.mu.Unlock()
}

// Count returns how many requests hit "METHOD /path" (ids collapsed to {id}).
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// AddUser registers an account directly and returns its id.
func (s *Server) AddUser(username, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return 0, fmt.Errorf("user %q already exists", username)
	}
	s.nextUser++
	s.users[username] = account{id: s.nextUser, hash: hash}
	return s.nextUser, nil
}

// IssueToken signs a token for an existing user without going through
// /login/.
func (s *Server) IssueToken(username string) (string, error) {
	s.mu.Lock()
	_, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %q", username)
	}
	return s.sign(username)
}

// Revoke makes the server answer 401 for token from now on.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	s.revoked[token] = true
	s.mu.Unlock()
}

// Seed stores a record owned by username with an explicit creation time.
func (s *Server) Seed(username string, t core.NewTransaction, created time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.users[username]
	if !ok {
		return 0, fmt.Errorf("unknown user %q", username)
	}
	return s.insertLocked(acc.id, t, created).ID, nil
}

// Transactions returns a copy of every stored record in id order.
func (s *Server) Transactions() []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Transaction, len(s.records))
	for i, r := range s.records {
		out[i] = r.tx
	}
	return out
}

func (s *Server) insertLocked(owner int64, t core.NewTransaction, created time.Time) core.Transaction {
	s.nextTx++
	tx := core.Transaction{
		ID:          s.nextTx,
		Kind:        t.Kind,
		Category:    t.Category,
		Description: t.Description,
		Amount:      t.Amount,
		CreatedAt:   created.UTC(),
	}
	s.records = append(s.records, record{tx: tx, owner: owner})
	return tx
}

func (s *Server) sign(username string) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(s.now().Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

var errBadToken = errors.New("invalid token")

// authenticate resolves the bearer token to a user id.
func (s *Server) authenticate(r *http.Request) (int64, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return 0, errBadToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, errBadToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[raw] {
		return 0, errBadToken
	}
	acc, ok := s.users[claims.Subject]
	if !ok {
		return 0, errBadToken
	}
	return acc.id, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid form")
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	s.mu.Lock()
	acc, ok := s.users[username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		writeDetail(w, http.StatusUnauthorized, "Usuário ou senha incorretos")
		return
	}

	token, err := s.sign(username)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}
	id, err := s.AddUser(body.Username, body.Password)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Usuário já existe")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "username": body.Username})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	// Listing without a token is allowed; a bad token is not.
	if r.Header.Get("Authorization") != "" {
		if _, err := s.authenticate(r); err != nil {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
	}
	rng, err := parseRange(r)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.filtered(rng))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, err := s.authenticate(r)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	var body struct {
		Tipo      string          `json:"tipo"`
		Categoria string          `json:"categoria"`
		Descricao string          `json:"descricao"`
		Valor     decimal.Decimal `json:"valor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	if body.Valor.IsNegative() {
		writeDetail(w, http.StatusUnprocessableEntity, "valor must be non-negative")
		return
	}

	s.mu.Lock()
	tx := s.insertLocked(owner, core.NewTransaction{
		Kind:        core.Kind(body.Tipo),
		Category:    core.Category(body.Categoria),
		Description: body.Descricao,
		Amount:      body.Valor,
	}, s.now())
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, encode(tx))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticate(r)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.records {
		if rec.tx.ID != id {
			continue
		}
		if rec.owner != caller {
			writeDetail(w, http.StatusForbidden, "Você só pode apagar os seus próprios registros")
			return
		}
		s.records = append(s.records[:i], s.records[i+1:]...)
		writeJSON(w, http.StatusOK, map[string]string{"mensagem": "Registro eliminado com sucesso!"})
		return
	}
	writeDetail(w, http.StatusNotFound, "Transação não encontrada.")
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	body := renderReport(rng, s.filtered(rng))
	w.Header().Set("Content-Type", ReportContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="relatorio_sinuca.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// filtered returns the wire form of every record created inside rng, in
// id order. Bounds are inclusive calendar dates in UTC.
func (s *Server) filtered(rng core.Range) []wireTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireTransaction, 0, len(s.records))
	for _, rec := range s.records {
		day := core.DateOf(rec.tx.CreatedAt)
		if !rng.Start.IsEmpty() && day.Before(rng.Start.Time) {
			continue
		}
		if !rng.End.IsEmpty() && day.After(rng.End.Time) {
			continue
		}
		out = append(out, encode(rec.tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// renderReport produces a small PDF-shaped document listing items.
func renderReport(rng core.Range, items []wireTransaction) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n% relatorio ")
	b.WriteString(rng.String())
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(&b, "%% %d %s %s %s %s\n", it.ID, it.Tipo, it.Categoria, it.Descricao, it.Valor)
	}
	b.WriteString("%%EOF\n")
	return []byte(b.String())
}

type wireTransaction struct {
	ID          int64       `json:"id"`
	Tipo        string      `json:"tipo"`
	Categoria   string      `json:"categoria"`
	Descricao   string      `json:"descricao"`
	Valor       json.Number `json:"valor"`
	DataCriacao string      `json:"data_criacao"`
}

func encode(tx core.Transaction) wireTransaction {
	return wireTransaction{
		ID:          tx.ID,
		Tipo:        string(tx.Kind),
		Categoria:   string(tx.Category),
		Descricao:   tx.Description,
		Valor:       json.Number(tx.Amount.String()),
		DataCriacao: tx.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000"),
	}
}

func parseRange(r *http.Request) (core.Range, error) {
	start, err := core.ParseDate(r.URL.Query().Get("data_inicio"))
	if err != nil {
		return core.Range{}, err
	}
	end, err := core.ParseDate(r.URL.Query().Get("data_fim"))
	if err != nil {
		return core.Range{}, err
	}
	return core.Range{Start: start, End: end}, nil
}

func routeKey(r *http.Request) string {
	path := r.URL.Path
	if rest, ok := strings.CutPrefix(path, "/transacoes/"); ok && rest != "" {
		path = "/transacoes/{id}"
	}
	return r.Method + " " + path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
