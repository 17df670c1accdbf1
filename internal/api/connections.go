package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tradingd/pkg/db"
)

// Connections hold each user's encrypted broker credential set. The core
// treats credentials as opaque (§1, §3 "arrive decrypted at connect time");
// this handler is the out-of-core boundary that encrypts them at rest with
// pkg/crypto and hands back decrypted values only to the orchestrator's
// CredentialProvider seam, never to an HTTP response.

type createConnectionRequest struct {
	Broker      string `json:"broker"`
	Environment string `json:"environment"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
}

func (s *Server) createConnection(c *gin.Context) {
	userID := CurrentUserID(c)

	var req createConnectionRequest
	if err := c.BindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if req.Broker == "" || req.Environment == "" || req.APIKey == "" || req.APISecret == "" {
		errJSON(c, http.StatusBadRequest, "MISSING_FIELDS", "broker, environment, api_key, api_secret are required")
		return
	}

	encKey, err := s.keys.Encrypt(req.APIKey)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "ENCRYPT_FAILED", "failed to encrypt credentials")
		return
	}
	encSecret, err := s.keys.Encrypt(req.APISecret)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "ENCRYPT_FAILED", "failed to encrypt credentials")
		return
	}

	now := time.Now()
	conn := db.Connection{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Broker:             req.Broker,
		Environment:        req.Environment,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyVersion:         s.keys.CurrentVersion(),
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.CreateConnection(c.Request.Context(), conn); err != nil {
		errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":          conn.ID,
		"broker":      conn.Broker,
		"environment": conn.Environment,
	})
}

func (s *Server) listConnections(c *gin.Context) {
	userID := CurrentUserID(c)
	conns, err := s.db.ListConnectionsByUser(c.Request.Context(), userID)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		out = append(out, gin.H{
			"id":          conn.ID,
			"broker":      conn.Broker,
			"environment": conn.Environment,
			"is_active":   conn.IsActive,
			"created_at":  conn.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

func (s *Server) deactivateConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	id := c.Param("id")
	if err := s.db.DeactivateConnection(c.Request.Context(), id, userID); err != nil {
		errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": id})
}
