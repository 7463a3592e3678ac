package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/middleware"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

type UserHandler struct {
	profiles repository.ProfileRepository
	logger   *zap.Logger
}

func NewUserHandler(profiles repository.ProfileRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{profiles: profiles, logger: logger}
}

// GetMe handles GET /v1/users/me
//
// Returns the stored profile plus the identity the token carries. The
// profile is null for identities issued by another provider.
func (h *UserHandler) GetMe(c *gin.Context) {
	identity := middleware.GetIdentity(c)

	profile, err := h.profiles.GetByID(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to get profile", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participant": identity.Participant(),
		"admin":       identity.Admin,
		"profile":     profile,
	})
}
