package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veridoc/apigate/internal/gate"
	obscontext "github.com/veridoc/apigate/internal/observability/context"
	"github.com/veridoc/apigate/internal/scope"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
)

const verdictContextKey = "gate_verdict"

// GateRequired authenticates the Bearer secret, checks permissions and
// charges quota before the handler runs. After the handler it records
// the request in the usage pipeline regardless of handler outcome.
func (s *Server) GateRequired(required scope.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := bearerSecret(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		endpoint := c.Request.Method + " " + c.FullPath()
		verdict, err := s.gate.Validate(c.Request.Context(), gate.Request{
			Secret:        secret,
			RequiredScope: required,
			CallerIP:      c.ClientIP(),
			Endpoint:      endpoint,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}

		if verdict.Credential != nil {
			ctx := obscontext.WithKeyID(c.Request.Context(), verdict.Credential.KeyID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Set(verdictContextKey, verdict)

		start := time.Now()
		c.Next()

		if verdict.Credential == nil {
			return
		}
		outcome := usagedomain.OutcomeOK
		if c.Writer.Status() >= 400 || len(c.Errors) > 0 {
			outcome = usagedomain.OutcomeError
		}
		s.gate.Record(c.Request.Context(), usagedomain.Event{
			CredentialID: verdict.Credential.KeyID,
			Endpoint:     endpoint,
			Outcome:      outcome,
			LatencyMS:    time.Since(start).Milliseconds(),
		})
	}
}

func bearerSecret(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	secret := strings.TrimSpace(parts[1])
	if secret == "" {
		return "", false
	}
	return secret, true
}

// ownerID reads the dashboard session owner. The dashboard session is
// owned by an upstream identity service; this header stands in for it.
func ownerID(c *gin.Context) (string, bool) {
	owner := strings.TrimSpace(c.GetHeader("X-Owner-Id"))
	return owner, owner != ""
}
