package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/ratelimit"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
)

type issueCredentialRequest struct {
	Name        string     `json:"name"`
	Environment string     `json:"environment"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at"`
	PlanTier    string     `json:"plan_tier"`
	IPAllowList []string   `json:"ip_allow_list"`
}

type credentialUsageResponse struct {
	KeyID   string                  `json:"key_id"`
	Summary *usagedomain.Summary    `json:"summary"`
	Windows []ratelimit.WindowUsage `json:"windows"`
}

// IssueCredential mints a new key for the owner. The plaintext secret
// appears in this response and nowhere else afterwards.
func (s *Server) IssueCredential(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		AbortWithError(c, credentialdomain.ErrInvalidOwner)
		return
	}

	var req issueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	secret, err := s.credentialSvc.Issue(c.Request.Context(), credentialdomain.IssueRequest{
		OwnerID:     owner,
		Name:        req.Name,
		Environment: req.Environment,
		Scopes:      req.Scopes,
		ExpiresAt:   req.ExpiresAt,
		PlanTier:    req.PlanTier,
		IPAllowList: req.IPAllowList,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.metrics.RecordCredentialIssued(c.Request.Context(), req.PlanTier, req.Environment)
	c.JSON(http.StatusCreated, secret)
}

func (s *Server) ListCredentials(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		AbortWithError(c, credentialdomain.ErrInvalidOwner)
		return
	}

	credentials, err := s.credentialSvc.List(c.Request.Context(), owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": credentials})
}

func (s *Server) GetCredential(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		AbortWithError(c, credentialdomain.ErrInvalidOwner)
		return
	}

	credential, err := s.credentialSvc.Get(c.Request.Context(), owner, c.Param("key_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, credential)
}

// RotateCredential swaps the secret under the same key id. The old
// secret stops resolving immediately and quota starts fresh.
func (s *Server) RotateCredential(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		AbortWithError(c, credentialdomain.ErrInvalidOwner)
		return
	}

	secret, err := s.credentialSvc.Rotate(c.Request.Context(), owner, c.Param("key_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, secret)
}

func (s *Server) SuspendCredential(c *gin.Context) {
	s.transitionCredential(c, s.credentialSvc.Suspend, "suspended")
}

func (s *Server) RevokeCredential(c *gin.Context) {
	s.transitionCredential(c, s.credentialSvc.Revoke, "revoked")
}

func (s *Server) ReactivateCredential(c *gin.Context) {
	s.transitionCredential(c, s.credentialSvc.Reactivate, "active")
}

func (s *Server) transitionCredential(c *gin.Context, transition func(ctx context.Context, ownerID, keyID string) error, status string) {
	owner, ok := ownerID(c)
	if !ok {
		AbortWithError(c, credentialdomain.ErrInvalidOwner)
		return
	}

	keyID := c.Param("key_id")
	if err := transition(c.Request.Context(), owner, keyID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"key_id": keyID, "status": status})
}

// GetCredentialUsage returns aggregated usage for the window requested
// by days, plus the live rate-limit window counters.
func (s *Server) GetCredentialUsage(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		AbortWithError(c, credentialdomain.ErrInvalidOwner)
		return
	}

	keyID := c.Param("key_id")
	credential, err := s.credentialSvc.Get(c.Request.Context(), owner, keyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	days := 0
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, usagedomain.ErrInvalidRange)
			return
		}
		days = parsed
	}

	summary, err := s.recorder.Query(c.Request.Context(), keyID, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	windows, err := s.limiter.CurrentWindows(c.Request.Context(), keyID, credential.PlanTier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, credentialUsageResponse{
		KeyID:   keyID,
		Summary: summary,
		Windows: windows,
	})
}
