package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

// AuthProvider resolves a bearer token into the identity behind it.
type AuthProvider interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

var errInvalidToken = errors.New("invalid token")

type Claims struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
	jwt.StandardClaims
}

// LocalAuth is an AuthProvider that owns its users: bcrypt password hashes
// in the users table and HS256 access tokens.
type LocalAuth struct {
	log   *slog.Logger
	store Storage
	key   []byte
	ttl   time.Duration
	cost  int
}

func NewLocalAuth(log *slog.Logger, store Storage, cfg *Config) *LocalAuth {
	return &LocalAuth{
		log:   log,
		store: store,
		key:   []byte(cfg.JWTSecret),
		ttl:   cfg.JWTTTL,
		cost:  cfg.BcryptCost,
	}
}

// Register creates a user with the user role and signs them in.
func (a *LocalAuth) Register(ctx context.Context, req CredentialsReq) (User, Session, error) {
	email, err := normalizeCredentials(req)
	if err != nil {
		return User{}, Session{}, err
	}
	u, err := a.createUser(ctx, email, req.Password, RoleUser)
	if errors.Is(err, ErrConflict) {
		return User{}, Session{}, badRequest("User already registered")
	}
	if err != nil {
		return User{}, Session{}, err
	}
	session, err := a.issue(u)
	if err != nil {
		return User{}, Session{}, err
	}
	a.log.Info("user registered", "user_id", u.ID)
	return u, session, nil
}

func (a *LocalAuth) Login(ctx context.Context, req CredentialsReq) (User, Session, error) {
	email, err := normalizeCredentials(req)
	if err != nil {
		return User{}, Session{}, err
	}
	u, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return User{}, Session{}, unauthorized("Invalid login credentials")
	}
	if err != nil {
		return User{}, Session{}, err
	}
	if !HashToPassword(u.PasswordHash, req.Password) {
		return User{}, Session{}, unauthorized("Invalid login credentials")
	}
	session, err := a.issue(u)
	if err != nil {
		return User{}, Session{}, err
	}
	return u, session, nil
}

// EnsureAdmin creates an admin account when no user holds the email yet.
func (a *LocalAuth) EnsureAdmin(ctx context.Context, email, password string) error {
	email, err := normalizeCredentials(CredentialsReq{Email: email, Password: password})
	if err != nil {
		return err
	}
	_, err = a.store.GetUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	u, err := a.createUser(ctx, email, password, RoleAdmin)
	if err != nil {
		return err
	}
	a.log.Info("admin account created", "user_id", u.ID, "email", u.Email)
	return nil
}

// Resolve validates the token and reloads the user so role changes and
// removed accounts take effect without waiting for the token to expire.
func (a *LocalAuth) Resolve(ctx context.Context, tokenString string) (Identity, error) {
	claims, err := a.parse(tokenString)
	if err != nil {
		return Identity{}, err
	}
	u, err := a.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, errInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: u.ID, Email: u.Email, Role: u.Role}, nil
}

func (a *LocalAuth) createUser(ctx context.Context, email, password string, role Role) (User, error) {
	hash, err := HashPassword(password, a.cost)
	if err != nil {
		return User{}, err
	}
	return a.store.CreateUser(ctx, User{
		ID:           newID(),
		Email:        email,
		Role:         role,
		PasswordHash: hash,
	})
}

func (a *LocalAuth) issue(u User) (Session, error) {
	now := time.Now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		Email: u.Email,
		Role:  u.Role,
		StandardClaims: jwt.StandardClaims{
			Subject:   u.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: expires.Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return Session{}, err
	}
	return Session{AccessToken: token, TokenType: "bearer", ExpiresAt: expires.UTC()}, nil
}

func (a *LocalAuth) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

func normalizeCredentials(req CredentialsReq) (string, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return "", badRequest("Please provide an email and password")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return "", badRequest("Please provide a valid email")
	}
	return email, nil
}

func HashPassword(password string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(bytes), err
}

func HashToPassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

type identityKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

const notAuthorized = "Not authorized to access this route"

// protect rejects requests without a valid bearer token and attaches the
// resolved identity to the request context.
func protect(log *slog.Logger, auth AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, unauthorized(notAuthorized))
				return
			}
			id, err := auth.Resolve(r.Context(), token)
			if err != nil {
				if !errors.Is(err, errInvalidToken) {
					log.Error("auth provider failure", "err", err)
				}
				writeError(w, unauthorized(notAuthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// authorize lets through identities whose role is one of roles. It must run
// after protect.
func authorize(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFrom(r.Context())
			if !ok {
				writeError(w, unauthorized(notAuthorized))
				return
			}
			switch id.Role {
			case RoleUser, RoleAdmin:
				if slices.Contains(roles, id.Role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, forbidden(fmt.Sprintf("User role %s is not authorized to access this route", id.Role)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
