package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nurpe/procure-core/internal/feed"
	"github.com/nurpe/procure-core/internal/http/middleware"
	"github.com/nurpe/procure-core/internal/invoice"
	"github.com/nurpe/procure-core/internal/model"
	"github.com/nurpe/procure-core/internal/service"
)

type Handler struct {
	milestones *service.MilestoneService
	auctions   *service.AuctionService
	pdf        *invoice.PDFGenerator
	excel      *invoice.ExcelGenerator
	hub        *feed.Hub
	log        zerolog.Logger
}

func NewHandler(
	milestones *service.MilestoneService,
	auctions *service.AuctionService,
	pdf *invoice.PDFGenerator,
	excel *invoice.ExcelGenerator,
	hub *feed.Hub,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		milestones: milestones,
		auctions:   auctions,
		pdf:        pdf,
		excel:      excel,
		hub:        hub,
		log:        log,
	}
}

func (h *Handler) Register(router *gin.Engine, authMiddleware gin.HandlerFunc) {
	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/projects", h.createProject)
	protected.GET("/projects/:id", h.getProject)
	protected.GET("/projects/:id/milestones", h.listMilestones)
	protected.POST("/projects/:id/milestones", h.createMilestone)

	protected.GET("/milestones/:id", h.getMilestone)
	protected.PATCH("/milestones/:id", h.editMilestone)
	protected.POST("/milestones/:id/approval", h.setApproval)
	protected.POST("/milestones/:id/transition", h.transitionWork)
	protected.POST("/milestones/:id/escrow/fund", h.fundEscrow)
	protected.POST("/milestones/:id/escrow/release", h.releaseEscrow)
	protected.POST("/milestones/:id/escrow/dispute", h.disputeEscrow)
	protected.POST("/milestones/:id/escrow/refund", h.refundEscrow)

	protected.POST("/auctions", h.createAuction)
	protected.POST("/auctions/:id/bids", h.placeBid)
	protected.POST("/auctions/:id/close", h.closeAuction)
	protected.GET("/auctions/:id/ranking", h.getRanking)

	protected.GET("/invoices/:id/pdf", h.invoicePDF)
	protected.POST("/invoices/export", h.exportInvoices)

	protected.GET("/ws/feed/:channel", h.serveFeed)
}

type createProjectRequest struct {
	Title         string `json:"title" binding:"required"`
	Description   string `json:"description"`
	EscrowEnabled *bool  `json:"escrow_enabled"`
}

func (h *Handler) createProject(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	escrowEnabled := true
	if req.EscrowEnabled != nil {
		escrowEnabled = *req.EscrowEnabled
	}

	project, err := h.milestones.CreateProject(c.Request.Context(), service.CreateProjectInput{
		Principal:     principal,
		Title:         req.Title,
		Description:   req.Description,
		EscrowEnabled: escrowEnabled,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectResponse(project))
}

func (h *Handler) getProject(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	project, err := h.milestones.GetProject(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectResponse(project))
}

type createMilestoneRequest struct {
	Title         string `json:"title" binding:"required"`
	Description   string `json:"description"`
	DurationDays  int    `json:"duration_days" binding:"required"`
	PaymentAmount int64  `json:"payment_amount" binding:"required"`
}

func (h *Handler) createMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	projectID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req createMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	milestone, err := h.milestones.CreateMilestone(c.Request.Context(), service.CreateMilestoneInput{
		Principal:     principal,
		ProjectID:     projectID,
		Title:         req.Title,
		Description:   req.Description,
		DurationDays:  req.DurationDays,
		PaymentAmount: req.PaymentAmount,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, milestoneResponse(milestone))
}

func (h *Handler) getMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	milestone, err := h.milestones.GetMilestone(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestoneResponse(milestone))
}

func (h *Handler) listMilestones(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	projectID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	milestones, err := h.milestones.ListMilestones(c.Request.Context(), principal, projectID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	out := make([]gin.H, 0, len(milestones))
	for i := range milestones {
		out = append(out, milestoneResponse(&milestones[i]))
	}
	c.JSON(http.StatusOK, gin.H{"milestones": out})
}

type editMilestoneRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	DurationDays  int    `json:"duration_days" binding:"required"`
	PaymentAmount int64  `json:"payment_amount" binding:"required"`
}

func (h *Handler) editMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req editMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	milestone, err := h.milestones.EditMilestone(c.Request.Context(), service.EditMilestoneInput{
		Principal:     principal,
		MilestoneID:   id,
		Title:         req.Title,
		Description:   req.Description,
		DurationDays:  req.DurationDays,
		PaymentAmount: req.PaymentAmount,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestoneResponse(milestone))
}

type setApprovalRequest struct {
	Decision string `json:"decision" binding:"required"`
	Note     string `json:"note"`
}

func (h *Handler) setApproval(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req setApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := parseApprovalDecision(req.Decision)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid decision"})
		return
	}

	milestone, err := h.milestones.SetApproval(c.Request.Context(), service.SetApprovalInput{
		Principal:   principal,
		MilestoneID: id,
		Decision:    decision,
		Note:        req.Note,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestoneResponse(milestone))
}

type transitionWorkRequest struct {
	To               string   `json:"to" binding:"required"`
	ProofDocumentIDs []string `json:"proof_document_ids"`
	Reason           string   `json:"reason"`
}

func (h *Handler) transitionWork(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req transitionWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	to, err := parseWorkStatus(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target status"})
		return
	}

	milestone, err := h.milestones.TransitionWork(c.Request.Context(), service.TransitionWorkInput{
		Principal:        principal,
		MilestoneID:      id,
		To:               to,
		ProofDocumentIDs: req.ProofDocumentIDs,
		Reason:           req.Reason,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestoneResponse(milestone))
}

func (h *Handler) fundEscrow(c *gin.Context) {
	h.escrowCommand(c, h.milestones.FundEscrow)
}

func (h *Handler) releaseEscrow(c *gin.Context) {
	h.escrowCommand(c, h.milestones.ReleaseEscrow)
}

func (h *Handler) disputeEscrow(c *gin.Context) {
	h.escrowCommand(c, h.milestones.DisputeEscrow)
}

func (h *Handler) refundEscrow(c *gin.Context) {
	h.escrowCommand(c, h.milestones.RefundEscrow)
}

func (h *Handler) escrowCommand(
	c *gin.Context,
	command func(ctx context.Context, principal model.Principal, milestoneID uuid.UUID) (*model.Milestone, error),
) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	milestone, err := command(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestoneResponse(milestone))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrPreconditionFailed),
		errors.Is(err, service.ErrAuctionNotLive),
		errors.Is(err, service.ErrBidNotImproved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Msg("command failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func projectResponse(p *model.Project) gin.H {
	resp := gin.H{
		"id":             p.ID,
		"agent_id":       p.AgentID,
		"title":          p.Title,
		"description":    p.Description,
		"escrow_enabled": p.EscrowEnabled,
		"status":         p.Status,
		"version":        p.Version,
		"created_at":     p.CreatedAt,
	}
	if p.ContractorID != nil {
		resp["contractor_id"] = *p.ContractorID
	}
	return resp
}

func milestoneResponse(m *model.Milestone) gin.H {
	return gin.H{
		"id":                 m.ID,
		"project_id":         m.ProjectID,
		"created_by":         m.CreatedBy,
		"title":              m.Title,
		"description":        m.Description,
		"duration_days":      m.DurationDays,
		"payment_amount":     m.PaymentAmount,
		"due_date":           m.DueDate,
		"status":             m.Status,
		"approval_status":    m.ApprovalStatus,
		"escrow_status":      m.EscrowStatus,
		"proof_document_ids": m.ProofDocumentIDs,
		"rejection_reason":   m.RejectionReason,
		"version":            m.Version,
	}
}

func parseID(c *gin.Context) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(c.Param("id")))
}

func parseApprovalDecision(raw string) (model.ApprovalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved":
		return model.ApprovalStatusApproved, nil
	case "rejected":
		return model.ApprovalStatusRejected, nil
	case "revision-requested", "revision_requested":
		return model.ApprovalStatusRevisionRequested, nil
	default:
		return "", service.ErrInvalidInput
	}
}

func parseWorkStatus(raw string) (model.WorkStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return model.WorkStatusPending, nil
	case "in-progress", "in_progress":
		return model.WorkStatusInProgress, nil
	case "completed":
		return model.WorkStatusCompleted, nil
	case "verification-pending", "verification_pending":
		return model.WorkStatusVerificationPending, nil
	case "verified":
		return model.WorkStatusVerified, nil
	case "invoiced":
		return model.WorkStatusInvoiced, nil
	default:
		return "", service.ErrInvalidInput
	}
}
