package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shelfscore/apiserver/config"
	"github.com/shelfscore/apiserver/internal/services"
	"github.com/shelfscore/apiserver/internal/store"
	"github.com/shelfscore/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

// Token verification failures, from least to most specific. All of them map
// to a 401 response; the distinction exists for callers and tests.
var (
	ErrNoToken        = errors.New("no bearer token")
	ErrTokenMalformed = errors.New("malformed bearer token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("invalid token")
)

// emailPattern matches addresses of the form local@domain.tld.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)

// AuthClaims is the JWT payload issued at login: the authenticated user's
// identity, plus the standard registered claims.
type AuthClaims struct {
	UserID int    `json:"uid"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// AuthHandler provides signup, login, and leaderboard endpoints.
type AuthHandler struct {
	userService   *services.UserService
	bookService   *services.BookService
	secret        []byte
	tokenTTL      time.Duration
	bcryptCost    int
	allowedEmails []string
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
// The allow-list is normalized to lowercase once here.
func NewAuthHandler(userService *services.UserService, bookService *services.BookService, cfg config.AuthConfig) *AuthHandler {
	allowed := make([]string, 0, len(cfg.AllowedEmails))
	for _, email := range cfg.AllowedEmails {
		allowed = append(allowed, strings.ToLower(strings.TrimSpace(email)))
	}
	return &AuthHandler{
		userService:   userService,
		bookService:   bookService,
		secret:        []byte(cfg.TokenSecret),
		tokenTTL:      cfg.TokenTTL,
		bcryptCost:    cfg.BcryptCost,
		allowedEmails: allowed,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, userService *services.UserService, bookService *services.BookService, cfg config.AuthConfig) {
	handler := NewAuthHandler(userService, bookService, cfg)

	r.Get("/users", handler.Leaderboard)
	r.Post("/signup", handler.Signup)
	r.Post("/login", handler.Login)
	r.Get("/user-count", handler.UserCount)
	r.With(handler.RequireAuth).Get("/verify", handler.Verify)
}

// RequireAuth enforces JWT authentication and injects the claims into context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return requireAuth(h.secret)(next)
}

// RequireAuth constructs auth middleware for other routers.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	return requireAuth([]byte(jwtSecret))
}

func requireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := parseToken(tokenString, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), contextClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Leaderboard returns every user with their derived points. Points reward
// balanced reading: min(fiction count, non-fiction count).
func (h *AuthHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	users, err := h.userService.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	points, err := h.bookService.PointsByOwner(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute points")
		return
	}

	ranked := make([]types.RankedUser, 0, len(users))
	for _, user := range users {
		ranked = append(ranked, types.RankedUser{User: user, Points: points[user.ID]})
	}
	writeJSON(w, http.StatusOK, ranked)
}

// Signup creates a new user account. Signup is restricted to an allow-list
// of emails and closes permanently once every allow-listed email has
// registered.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)

	if !h.isAllowed(req.Email) {
		writeError(w, http.StatusForbidden, "signup is restricted to specific users")
		return
	}
	if req.Email == "" || req.Password == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "provide email, password, and name")
		return
	}
	if !emailPattern.MatchString(req.Email) {
		writeError(w, http.StatusBadRequest, "provide a valid email address")
		return
	}
	if !passwordValid(req.Password) {
		writeError(w, http.StatusBadRequest, "password must have at least 6 characters and contain at least one number, one lowercase, and one uppercase letter")
		return
	}

	// The count-then-create below is not atomic; concurrent signups for the
	// last slot can both pass this check. The unique index on email still
	// prevents the same address from registering twice.
	registered, err := h.userService.AllowListedCount(r.Context(), h.allowedEmails)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check signup quota")
		return
	}
	if registered >= len(h.allowedEmails) {
		writeError(w, http.StatusForbidden, "signup is closed")
		return
	}

	if _, err := h.userService.GetByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusBadRequest, "user already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to check user")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.bcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	user, err := h.userService.Create(r.Context(), types.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hashed),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			writeError(w, http.StatusBadRequest, "user already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, SignupResponse{User: user})
}

// Login verifies credentials and returns a signed JWT.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "provide email and password")
		return
	}

	user, err := h.userService.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := issueToken(user, h.secret, h.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

// UserCount returns the total number of registered users.
func (h *AuthHandler) UserCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.userService.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count users")
		return
	}
	writeJSON(w, http.StatusOK, UserCountResponse{UserCount: count})
}

// Verify echoes the decoded token claims back to the client.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (h *AuthHandler) isAllowed(email string) bool {
	for _, allowed := range h.allowedEmails {
		if allowed == email {
			return true
		}
	}
	return false
}

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type SignupResponse struct {
	User types.User `json:"user"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type UserCountResponse struct {
	UserCount int `json:"user_count"`
}

// passwordValid enforces the signup password policy: at least 6 characters
// with at least one digit, one lowercase, and one uppercase letter.
func passwordValid(password string) bool {
	if len(password) < 6 {
		return false
	}
	var hasDigit, hasLower, hasUpper bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		}
	}
	return hasDigit && hasLower && hasUpper
}

func issueToken(user types.User, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AuthClaims{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func parseToken(tokenString string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, ErrTokenInvalid
		}
	}
	if !token.Valid || claims.UserID < 1 {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", ErrNoToken
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrTokenMalformed
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrTokenMalformed
	}
	return token, nil
}
