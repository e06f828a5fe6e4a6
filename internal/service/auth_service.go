package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenSecret  string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// authObserver receives authentication-state transitions.
type authObserver interface {
	HandleAuthEvent(ctx context.Context, principalID string, ev AuthEvent) (*models.UserRole, error)
}

// AuthService provides sign-up, login and token rotation on top of the
// document store. Credentials are keyed by normalised email, refresh tokens
// by the SHA-256 of the opaque token.
type AuthService struct {
	store     docstore.Store
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	observer  authObserver
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance. observer may be nil.
func NewAuthService(store docstore.Store, validate *validator.Validate, logger *zap.Logger, config AuthConfig, observer authObserver) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.AccessTokenExpiry <= 0 {
		config.AccessTokenExpiry = 24 * time.Hour
	}
	if config.RefreshTokenExpiry <= 0 {
		config.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
	return &AuthService{
		store:     store,
		validator: validate,
		logger:    logger,
		config:    config,
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SignUp registers the credential, profile and role record of a new principal
// and signs it in.
func (s *AuthService) SignUp(ctx context.Context, req models.SignUpRequest) (*models.LoginResponse, error) {
	req.Email = models.NormalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid signup payload")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	userID := uuid.NewString()
	err = s.store.Create(ctx, models.CollectionCredentials, req.Email, docstore.Fields{
		"user_id":       userID,
		"email":         req.Email,
		"password_hash": string(hash),
		"created_at":    docstore.ServerTimestamp,
	})
	if err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store credential")
	}

	if err := s.store.Set(ctx, models.CollectionProfiles, userID, docstore.Fields{
		"full_name":  req.FullName,
		"email":      req.Email,
		"created_at": docstore.ServerTimestamp,
	}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store profile")
	}

	if err := s.store.Set(ctx, models.CollectionUserRoles, userID, docstore.Fields{
		"user_id": userID,
		"role":    string(req.Role),
	}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store role")
	}

	s.logger.Sugar().Infow("principal registered", "user_id", userID, "role", req.Role)
	return s.issue(ctx, userID, req.Email, AuthSignedIn)
}

// Login authenticates a user and returns issued tokens.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	req.Email = models.NormalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	doc, err := s.store.Get(ctx, models.CollectionCredentials, req.Email)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch credential")
	}
	cred, err := models.Decode[models.Credential](*doc, s.validator)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed credential")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	s.logger.Sugar().Infow("login", "user_id", cred.UserID, "ip", req.IP)
	return s.issue(ctx, cred.UserID, cred.Email, AuthSignedIn)
}

// RefreshToken exchanges a refresh token for a new token pair. The presented
// token is revoked.
func (s *AuthService) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	stored, err := s.findRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if stored.Revoked || s.now().After(stored.ExpiresAt) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token is expired or revoked")
	}

	email := ""
	if doc, err := s.store.Get(ctx, models.CollectionProfiles, stored.UserID); err == nil {
		email = doc.String("email")
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load profile")
	}

	if err := s.revoke(ctx, stored); err != nil {
		s.logger.Warn("failed to revoke used refresh token", zap.Error(err))
	}

	return s.issue(ctx, stored.UserID, email, AuthTokenRefreshed)
}

// Logout revokes the provided refresh token and signs the principal out.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) error {
	stored, err := s.findRefreshToken(ctx, refreshToken)
	if err != nil {
		return err
	}
	if stored.UserID != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}
	if err := s.revoke(ctx, stored); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	s.notify(ctx, userID, AuthSignedOut)
	return nil
}

// Profile returns the stored profile of a principal.
func (s *AuthService) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	doc, err := s.store.Get(ctx, models.CollectionProfiles, userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "profile not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load profile")
	}
	profile, err := models.Decode[models.Profile](*doc, s.validator)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed profile")
	}
	return &profile, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

func (s *AuthService) issue(ctx context.Context, userID, email string, ev AuthEvent) (*models.LoginResponse, error) {
	issuedAt := s.now()
	accessToken, err := s.generateAccessToken(userID, email, issuedAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshValue, err := generateRefreshTokenString()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	if err := s.store.Create(ctx, models.CollectionRefreshTokens, hashToken(refreshValue), docstore.Fields{
		"user_id":    userID,
		"expires_at": issuedAt.Add(s.config.RefreshTokenExpiry),
		"revoked":    false,
		"created_at": docstore.ServerTimestamp,
	}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	s.notify(ctx, userID, ev)

	return &models.LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshValue,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		UserID:       userID,
		IssuedAt:     issuedAt,
	}, nil
}

func (s *AuthService) notify(ctx context.Context, userID string, ev AuthEvent) {
	if s.observer == nil {
		return
	}
	if _, err := s.observer.HandleAuthEvent(ctx, userID, ev); err != nil {
		s.logger.Warn("role resolution after auth event failed", zap.String("user_id", userID), zap.String("event", string(ev)), zap.Error(err))
	}
}

func (s *AuthService) findRefreshToken(ctx context.Context, value string) (*models.RefreshToken, error) {
	doc, err := s.store.Get(ctx, models.CollectionRefreshTokens, hashToken(value))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}
	token, err := models.Decode[models.RefreshToken](*doc, s.validator)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed refresh token")
	}
	return &token, nil
}

func (s *AuthService) revoke(ctx context.Context, token *models.RefreshToken) error {
	return s.store.Set(ctx, models.CollectionRefreshTokens, token.ID, docstore.Fields{
		"user_id":    token.UserID,
		"expires_at": token.ExpiresAt,
		"revoked":    true,
		"revoked_at": docstore.ServerTimestamp,
	})
}

func (s *AuthService) generateAccessToken(userID, email string, issuedAt time.Time) (string, error) {
	claims := &models.JWTClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.AccessTokenSecret))
}

func generateRefreshTokenString() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
