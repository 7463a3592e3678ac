package matching

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

const anonymous = "Anonymous"

// PeerName resolves a display name for a matched peer: the name it
// advertised in presence, then its stored profile, then "Anonymous".
// Lookup failures are logged and fall through.
func PeerName(ctx context.Context, presence map[string]json.RawMessage, profiles repository.ProfileRepository, peerID string, logger *zap.Logger) string {
	if raw, ok := presence[peerID]; ok {
		var p struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &p); err == nil && strings.TrimSpace(p.Username) != "" {
			return p.Username
		}
	}

	if profiles == nil {
		return anonymous
	}
	profile, err := profiles.GetByID(ctx, peerID)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to look up peer profile", zap.String("peer_id", peerID), zap.Error(err))
		}
		return anonymous
	}
	if profile == nil {
		return anonymous
	}
	name := strings.TrimSpace(profile.DisplayName)
	if name == "" {
		name = strings.TrimSpace(profile.Username)
	}
	if name == "" {
		return anonymous
	}
	return name
}
