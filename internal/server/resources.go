package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veridoc/apigate/internal/engine"
)

// ProcessDocument accepts a document job on behalf of the caller whose
// credential passed the gate.
func (s *Server) ProcessDocument(c *gin.Context) {
	var req engine.DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.engineClient.ProcessDocument(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *Server) CreateCalculation(c *gin.Context) {
	var req engine.CalculationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.engineClient.CreateCalculation(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (s *Server) GetCalculation(c *gin.Context) {
	result, err := s.engineClient.GetCalculation(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
