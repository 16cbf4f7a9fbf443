// Package gin exposes the authorization lifecycle over HTTP.
package gin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	x402 "github.com/protocolbanks/x402"
)

// Handler serves the /x402 endpoints
type Handler struct {
	service *x402.Service
	logger  zerolog.Logger
}

func NewHandler(service *x402.Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts every endpoint under group.
func (h *Handler) Register(group gin.IRoutes) {
	group.POST("/generate-authorization", h.GenerateAuthorization)
	group.POST("/submit-signature", h.SubmitSignature)
	group.POST("/settle", h.Settle)
	group.POST("/execute", h.Execute)
	group.GET("/execute", h.ExecuteStatus)
	group.POST("/cancel", h.Cancel)
}

type generateBody struct {
	TokenAddress     string `json:"tokenAddress" binding:"required"`
	ChainID          int64  `json:"chainId" binding:"required"`
	FromAddress      string `json:"fromAddress"`
	ToAddress        string `json:"toAddress" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	ValidityDuration int    `json:"validityDuration"`
}

// GenerateAuthorization handles POST /x402/generate-authorization
func (h *Handler) GenerateAuthorization(c *gin.Context) {
	var body generateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if body.ValidityDuration == 0 {
		body.ValidityDuration = x402.DefaultValidityMinutes
	}
	// The payer defaults to the wallet the session was issued for
	if body.FromAddress == "" {
		body.FromAddress = walletAddress(c)
	}
	if body.FromAddress == "" {
		badRequest(c, "fromAddress is required when the token carries no address claim")
		return
	}

	result, err := h.service.GenerateAuthorization(c.Request.Context(), x402.GenerateRequest{
		UserID:          userID(c),
		TokenAddress:    body.TokenAddress,
		ChainID:         body.ChainID,
		From:            body.FromAddress,
		To:              body.ToAddress,
		Amount:          body.Amount,
		ValidityMinutes: body.ValidityDuration,
	})
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorizationId": result.Authorization.ID,
		"domain":          result.Domain,
		"message":         result.Message,
		"types":           result.Types,
		"primaryType":     result.PrimaryType,
		"validBefore":     result.Authorization.ValidBefore.Unix(),
	})
}

// SubmitSignature handles POST /x402/submit-signature
func (h *Handler) SubmitSignature(c *gin.Context) {
	var req x402.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.UserID = userID(c)

	auth, err := h.service.SubmitSignature(c.Request.Context(), req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorizationId": auth.ID,
		"status":          auth.Status,
	})
}

// Settle handles POST /x402/settle. The body is either {authorizationId}
// or a schema-checked direct bundle.
func (h *Handler) Settle(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, "unable to read request body")
		return
	}

	var probe struct {
		AuthorizationID string `json:"authorizationId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		badRequest(c, "request body must be a JSON object")
		return
	}

	req := x402.SettleRequest{UserID: userID(c)}
	if probe.AuthorizationID != "" {
		req.AuthorizationID = probe.AuthorizationID
	} else {
		if err := validateDirectSettlement(raw); err != nil {
			badRequest(c, err.Error())
			return
		}
		var direct x402.DirectSettlement
		if err := json.Unmarshal(raw, &direct); err != nil {
			badRequest(c, err.Error())
			return
		}
		req.Direct = &direct
	}

	result, err := h.service.Settle(c.Request.Context(), req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Execute handles POST /x402/execute
func (h *Handler) Execute(c *gin.Context) {
	var req x402.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.UserID = userID(c)

	result, err := h.service.Execute(c.Request.Context(), req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ExecuteStatus handles GET /x402/execute?transferId=&refresh=
func (h *Handler) ExecuteStatus(c *gin.Context) {
	transferID := c.Query("transferId")
	if transferID == "" {
		badRequest(c, "transferId is required")
		return
	}
	refresh, _ := strconv.ParseBool(c.Query("refresh"))

	result, err := h.service.GetStatus(c.Request.Context(), transferID, userID(c), refresh)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type cancelBody struct {
	AuthorizationID string `json:"authorizationId" binding:"required"`
}

// Cancel handles POST /x402/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}

	auth, err := h.service.Cancel(c.Request.Context(), body.AuthorizationID, userID(c))
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorizationId": auth.ID,
		"status":          auth.Status,
		"failureReason":   auth.FailureReason,
	})
}
