package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/accounts"
	"github.com/j-veylop/antigravity-pool/internal/services/dispatch"
	"github.com/j-veylop/antigravity-pool/internal/services/project"
	"github.com/j-veylop/antigravity-pool/internal/services/warmup"
)

// maxRequestBody caps forwarded request bodies.
const maxRequestBody = 32 << 20

// hopHeaders are not copied from upstream responses.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

func (s *Server) handleUpstream(c *gin.Context) {
	if c.Request.Method != http.MethodPost || !strings.HasPrefix(c.Request.URL.Path, upstreamPrefix) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > maxRequestBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	path := c.Request.URL.Path
	if q := c.Request.URL.RawQuery; q != "" {
		path += "?" + q
	}

	resp, err := s.dispatcher.Dispatch(c.Request.Context(), &dispatch.Request{Path: path, Body: body})
	if err != nil {
		_ = c.Error(err)
		var dispErr *dispatch.DispatchError
		switch {
		case errors.Is(err, dispatch.ErrInvalidBody):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, dispatch.ErrNoAccounts):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.As(err, &dispErr):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "attempts": dispErr.Attempts})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	copyHeaders(c, resp.Header)
	c.Header("X-Pool-Account", resp.Email)
	c.Data(resp.StatusCode, contentType(resp.Header), resp.Body)
}

func (s *Server) handleInternalWarmup(c *gin.Context) {
	var req models.WarmupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.dispatcher.Warmup(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidWarmup) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.Data(resp.StatusCode, contentType(resp.Header), resp.Body)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": s.pool.Stats()})
}

// accountView hides token material.
type accountView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	ProjectID     string `json:"project_id,omitempty"`
	Tier          string `json:"tier,omitempty"`
	Disabled      bool   `json:"disabled,omitempty"`
	ProxyDisabled bool   `json:"proxy_disabled,omitempty"`
	HasProxy      bool   `json:"has_proxy,omitempty"`
}

func (s *Server) handleAccounts(c *gin.Context) {
	overview := s.pool.QuotaOverview()
	out := make([]accountView, len(overview))
	for i, aq := range overview {
		a := aq.Account
		out[i] = accountView{
			ID:            a.ID,
			Email:         a.Email,
			ProjectID:     a.ProjectID,
			Tier:          a.Tier,
			Disabled:      a.Disabled,
			ProxyDisabled: a.ProxyDisabled,
			HasProxy:      a.ProxyURL != "",
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) handleQuota(c *gin.Context) {
	overview := s.pool.QuotaOverview()
	out := make([]gin.H, 0, len(overview))
	for _, aq := range overview {
		out = append(out, gin.H{
			"id":    aq.Account.ID,
			"email": aq.Account.Email,
			"quota": aq.Snapshot,
		})
	}
	c.JSON(http.StatusOK, gin.H{"quota": out})
}

func (s *Server) handleWarmupAll(c *gin.Context) {
	res, err := s.warmer.WarmupAll(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resultBody(res))
}

func (s *Server) handleWarmupAccount(c *gin.Context) {
	res, err := s.warmer.WarmupAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, warmup.ErrAccountDisabled):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, resultBody(res))
}

func (s *Server) handleRecheck(c *gin.Context) {
	projectID, err := s.pool.RecheckAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, project.ErrNotEntitled):
			c.JSON(http.StatusOK, gin.H{
				"entitled": false,
				"message":  "account is still not entitled",
			})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entitled":   true,
		"project_id": projectID,
		"message":    "entitled, project " + projectID,
	})
}

func resultBody(res warmup.Result) gin.H {
	return gin.H{"message": res.String(), "result": res}
}

func copyHeaders(c *gin.Context, h http.Header) {
	for k, vs := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
}

func contentType(h http.Header) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}
