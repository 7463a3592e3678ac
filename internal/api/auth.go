package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/auth"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler serves signup and login, the only public endpoints besides
// health. Both hand back a token the client sends on every other request.
type AuthHandler struct {
	profiles    repository.ProfileRepository
	jwtSecret   string
	tokenTTL    time.Duration
	adminEmails map[string]bool
	logger      *zap.Logger
}

func NewAuthHandler(
	profiles repository.ProfileRepository,
	jwtSecret string,
	tokenTTL time.Duration,
	adminEmails []string,
	logger *zap.Logger,
) *AuthHandler {
	admins := make(map[string]bool, len(adminEmails))
	for _, email := range adminEmails {
		admins[strings.ToLower(email)] = true
	}
	return &AuthHandler{
		profiles:    profiles,
		jwtSecret:   jwtSecret,
		tokenTTL:    tokenTTL,
		adminEmails: admins,
		logger:      logger,
	}
}

type signupRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	Username    string `json:"username" binding:"required,max=32"`
	DisplayName string `json:"display_name" binding:"max=64"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token   string          `json:"token"`
	Profile *models.Profile `json:"profile"`
}

// Signup handles POST /v1/auth/signup
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	// The unique index on email decides races between two signups.
	profile, err := h.profiles.Create(c.Request.Context(),
		strings.TrimSpace(req.Username),
		strings.TrimSpace(req.DisplayName),
		email,
		string(hash),
	)
	if errors.Is(err, repository.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	}
	if err != nil {
		h.logger.Error("failed to create profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	h.respond(c, http.StatusCreated, profile, "signup failed")
}

// Login handles POST /v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile, err := h.profiles.GetByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		h.logger.Error("failed to find profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	// Unknown email and wrong password get the same answer.
	if profile == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}

	h.respond(c, http.StatusOK, profile, "login failed")
}

func (h *AuthHandler) respond(c *gin.Context, status int, profile *models.Profile, failure string) {
	participant := profile.Participant()
	token, err := auth.GenerateToken(auth.Identity{
		UserID:      profile.ID,
		DisplayName: participant.DisplayName,
		Email:       profile.Email,
		Admin:       h.adminEmails[strings.ToLower(profile.Email)],
	}, h.jwtSecret, h.tokenTTL)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": failure})
		return
	}
	c.JSON(status, authResponse{Token: token, Profile: profile})
}
