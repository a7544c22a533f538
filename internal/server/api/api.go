// Package api: directory admin HTTP (health, operators, peers, relays, sessions, metrics).
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/metrics"
	"dev.c0redev.rdlink/internal/server/auth"
	"dev.c0redev.rdlink/internal/store"
)

// OnlineFunc lists user ids with a live rendezvous connection.
type OnlineFunc func() []string

// Server holds API deps.
type Server struct {
	DB          *store.DB
	Online      OnlineFunc // optional; nil reports every peer offline
	rateLimitMu sync.Mutex
	rateLimit   map[string]rateLimitEntry
	log         *logrus.Entry
}

type rateLimitEntry struct {
	count int
	until time.Time
}

const rateLimitWindow = time.Minute
const rateLimitMaxPerIP = 120
const rateLimitMaxPerToken = 300

const defaultSessionsLimit = 50
const maxSessionsLimit = 500

// New returns API server.
func New(db *store.DB, online OnlineFunc) *Server {
	return &Server{
		DB:        db,
		Online:    online,
		rateLimit: make(map[string]rateLimitEntry),
		log:       logrus.WithFields(logrus.Fields{"component": "api"}),
	}
}

// allow false if rate limit (per IP/token) hit.
func (s *Server) allow(r *http.Request) bool {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	token := bearer(r)
	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()
	check := func(key string, max int) bool {
		e, ok := s.rateLimit[key]
		if !ok || now.After(e.until) {
			s.rateLimit[key] = rateLimitEntry{count: 1, until: now.Add(rateLimitWindow)}
			return true
		}
		if e.count >= max {
			return false
		}
		e.count++
		s.rateLimit[key] = e
		return true
	}
	if !check("ip:"+ip, rateLimitMaxPerIP) {
		return false
	}
	if token != "" {
		tk := token
		if len(tk) > 32 {
			tk = tk[:32]
		}
		if !check("token:"+tk, rateLimitMaxPerToken) {
			return false
		}
	}
	return true
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// LoginRequest body.
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// RegisterRequest body.
type RegisterRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// TokenResponse body.
type TokenResponse struct {
	Token string `json:"token"`
}

// PeerDTO for GET /api/peers (snake_case json).
type PeerDTO struct {
	UserID     string  `json:"user_id"`
	Addr       string  `json:"addr,omitempty"`
	KeySHA256  string  `json:"key_sha256"`
	HasCert    bool    `json:"has_cert"`
	Online     bool    `json:"online"`
	LastSeenAt *string `json:"last_seen_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// RelayDTO for GET /api/relays.
type RelayDTO struct {
	Name        string  `json:"name"`
	Addr        string  `json:"addr"`
	KeySHA256   string  `json:"key_sha256"`
	ActivePairs int     `json:"active_pairs"`
	LastSeenAt  *string `json:"last_seen_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// SessionDTO for GET /api/sessions.
type SessionDTO struct {
	RelayID   string `json:"relay_id"`
	RelayName string `json:"relay_name"`
	From      string `json:"from"`
	To        string `json:"to"`
	CreatedAt string `json:"created_at"`
}

// AnnounceRequest body (relay heartbeat). PubKey is PKIX DER, base64 in json.
type AnnounceRequest struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	PubKey      []byte `json:"pub_key"`
	ActivePairs int    `json:"active_pairs"`
}

// HandleHealth GET /health (lb/k8s).
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// HandleReady GET /ready; 200 if DB ok else 503.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.DB.Ping(); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleRegister POST /api/register. Open while no operator exists; after that
// only an operator token may add another.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.DB.CountOperators()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if n > 0 {
		if _, ok := s.RequireToken(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Login = strings.TrimSpace(req.Login)
	if req.Login == "" || req.Password == "" {
		http.Error(w, "login and password required", http.StatusBadRequest)
		return
	}
	hash, err := auth.NewOperatorHash(req.Password)
	if errors.Is(err, auth.ErrShortPassword) {
		http.Error(w, "password must be at least 6 characters", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := s.DB.CreateOperator(req.Login, hash); err != nil {
		http.Error(w, "login already exists", http.StatusConflict)
		return
	}
	s.log.WithField("login", req.Login).Info("operator created")
	w.WriteHeader(http.StatusCreated)
}

// HandleLogin POST /api/login -> { "token": "..." }
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	o, err := s.DB.OperatorByLogin(strings.TrimSpace(req.Login))
	if err != nil || o == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !auth.CheckPassword(req.Password, o.PasswordHash) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tok, err := s.DB.CreateToken(o.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenResponse{Token: tok})
}

// RequireToken returns operator id if Bearer valid; else 0, false.
func (s *Server) RequireToken(r *http.Request) (int64, bool) {
	tok := bearer(r)
	if tok == "" {
		return 0, false
	}
	return s.DB.OperatorIDByToken(tok)
}

// HandleToken POST /api/token (regenerate); Bearer.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	opID, ok := s.RequireToken(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tok, err := s.DB.ReplaceToken(opID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenResponse{Token: tok})
}

// PasswordRequest body for POST /api/password.
type PasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// HandlePassword POST /api/password; Bearer; update operator password.
func (s *Server) HandlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	opID, ok := s.RequireToken(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req PasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < auth.MinPasswordLen {
		http.Error(w, "new password must be at least 6 characters", http.StatusBadRequest)
		return
	}
	o, err := s.DB.OperatorByID(opID)
	if err != nil || o == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !auth.CheckPassword(req.OldPassword, o.PasswordHash) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.DB.UpdateOperatorPassword(opID, hash); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePeers GET /api/peers; Bearer.
func (s *Server) HandlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.RequireToken(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	peers, err := s.DB.ListPeers()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	online := make(map[string]bool)
	if s.Online != nil {
		for _, id := range s.Online() {
			online[id] = true
		}
	}
	out := make([]PeerDTO, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerToDTO(p, online[p.UserID]))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleDeletePeer POST /api/peers/delete { user_id }
func (s *Server) HandleDeletePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.RequireToken(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if err := s.DB.DeletePeer(req.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRelays GET /api/relays; Bearer.
func (s *Server) HandleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.RequireToken(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	relays, err := s.DB.ListRelays()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]RelayDTO, 0, len(relays))
	for _, rl := range relays {
		out = append(out, relayToDTO(rl))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleAnnounce POST /api/relays/announce; Bearer; relay heartbeat with its load.
func (s *Server) HandleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if _, ok := s.RequireToken(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Addr = strings.TrimSpace(req.Addr)
	if req.Name == "" || req.Addr == "" {
		http.Error(w, "name and addr required", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(req.Addr); err != nil {
		http.Error(w, "addr must be host:port", http.StatusBadRequest)
		return
	}
	if _, err := crypto.ParsePublicKey(req.PubKey); err != nil {
		http.Error(w, "pub_key must be PKIX DER RSA", http.StatusBadRequest)
		return
	}
	if req.ActivePairs < 0 {
		req.ActivePairs = 0
	}
	if err := s.DB.UpsertRelay(req.Name, req.Addr, req.PubKey, req.ActivePairs); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.log.WithFields(logrus.Fields{"relay": req.Name, "addr": req.Addr, "pairs": req.ActivePairs}).Debug("relay announce")
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteRelay POST /api/relays/delete { name }
func (s *Server) HandleDeleteRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.RequireToken(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	if err := s.DB.DeleteRelay(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessions GET /api/sessions?limit=N; Bearer; newest first.
func (s *Server) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.RequireToken(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := defaultSessionsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		if n > maxSessionsLimit {
			n = maxSessionsLimit
		}
		limit = n
	}
	list, err := s.DB.RecentSessions(limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]SessionDTO, 0, len(list))
	for _, ss := range list {
		out = append(out, SessionDTO{
			RelayID: ss.RelayID, RelayName: ss.RelayName, From: ss.FromUser, To: ss.ToUser,
			CreatedAt: ss.CreatedAt.Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// CORS adds Access-Control-Allow-Origin for browser.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func keyDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func formatSeen(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func peerToDTO(p store.Peer, online bool) PeerDTO {
	return PeerDTO{
		UserID: p.UserID, Addr: p.Addr, KeySHA256: keyDigest(p.PubKey), HasCert: len(p.Cert) > 0,
		Online: online, LastSeenAt: formatSeen(p.LastSeenAt), CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func relayToDTO(r store.Relay) RelayDTO {
	return RelayDTO{
		Name: r.Name, Addr: r.Addr, KeySHA256: keyDigest(r.PubKey), ActivePairs: r.ActivePairs,
		LastSeenAt: formatSeen(r.LastSeenAt), CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

// Mount registers routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	mux.HandleFunc("/api/register", s.HandleRegister)
	mux.HandleFunc("/api/login", s.HandleLogin)
	mux.HandleFunc("/api/token", s.HandleToken)
	mux.HandleFunc("/api/password", s.HandlePassword)
	mux.HandleFunc("/api/peers", s.HandlePeers)
	mux.HandleFunc("/api/peers/delete", s.HandleDeletePeer)
	mux.HandleFunc("/api/relays", s.HandleRelays)
	mux.HandleFunc("/api/relays/announce", s.HandleAnnounce)
	mux.HandleFunc("/api/relays/delete", s.HandleDeleteRelay)
	mux.HandleFunc("/api/sessions", s.HandleSessions)
	mux.Handle("/metrics", metrics.Handler())
}
