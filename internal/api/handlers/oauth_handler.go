package handlers

import (
	"errors"
	"net/http"

	"claude-rotation-proxy/internal/enroll"
	apperrors "claude-rotation-proxy/pkg/errors"

	"github.com/gin-gonic/gin"
)

// OAuthHandler is a thin wrapper over the enrollment flow's HTTP edges —
// the actual PKCE/state bookkeeping lives one layer down in internal/enroll.
type OAuthHandler struct {
	flow *enroll.Flow
}

func NewOAuthHandler(flow *enroll.Flow) *OAuthHandler {
	return &OAuthHandler{flow: flow}
}

type startRequest struct {
	AccountName string `json:"account_name" binding:"required"`
}

// Start handles POST /oauth/start.
func (h *OAuthHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		panic(apperrors.NewBadRequestError("INVALID_REQUEST", "account_name is required", err.Error()))
	}

	result, err := h.flow.Start(req.AccountName)
	if err != nil {
		if errors.Is(err, enroll.ErrTooManyHandles) {
			panic(apperrors.NewServiceUnavailableError("ENROLLMENT_CAPACITY", err.Error()))
		}
		panic(apperrors.NewBadRequestError("INVALID_ACCOUNT_NAME", "could not start enrollment", err.Error()))
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": result.AuthorizationURL, "state": result.State})
}

// Callback handles GET /oauth/callback?code&state&error — the landing page
// the vendor redirects to. When a code is present this completes the
// enrollment directly (§4.E exchange + pool write); it only falls back to
// reconstructing the authorization URL when the caller comes back without
// one (e.g. re-visiting the link mid-flow).
func (h *OAuthHandler) Callback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusOK, gin.H{"error": errParam})
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" {
		panic(apperrors.NewBadRequestError("INVALID_REQUEST", "missing state", ""))
	}

	if code != "" {
		name, err := h.flow.Exchange(c.Request.Context(), code, state)
		if err != nil {
			panicExchangeError(err)
		}
		c.JSON(http.StatusOK, gin.H{"account_name": name})
		return
	}

	authURL, err := h.flow.BuildAuthURLForState(state)
	if err != nil {
		panic(apperrors.NewBadRequestError("INVALID_STATE", "invalid or expired state", err.Error()))
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "auth_url": authURL})
}

type exchangeRequest struct {
	State string `json:"state" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// Exchange handles POST /oauth/exchange.
func (h *OAuthHandler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		panic(apperrors.NewBadRequestError("INVALID_REQUEST", "state and code are required", err.Error()))
	}

	name, err := h.flow.Exchange(c.Request.Context(), req.Code, req.State)
	if err != nil {
		panicExchangeError(err)
	}
	c.JSON(http.StatusOK, gin.H{"account_name": name})
}

// panicExchangeError maps an enroll.Flow.Exchange error to the right HTTP
// status: a bad/expired handle is the caller's fault (400), a failure to
// persist an otherwise-successful exchange is ours (500).
func panicExchangeError(err error) {
	var persistErr *enroll.PersistError
	if errors.As(err, &persistErr) {
		panic(apperrors.NewInternalServerError(err.Error()))
	}
	panic(apperrors.NewBadRequestError("EXCHANGE_FAILED", "invalid or expired state", err.Error()))
}
