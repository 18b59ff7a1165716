package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nurpe/procure-core/internal/http/middleware"
	"github.com/nurpe/procure-core/internal/invoice"
	"github.com/nurpe/procure-core/internal/model"
	"github.com/nurpe/procure-core/internal/service"
)

type createAuctionRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
	Type      string `json:"type" binding:"required"`
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

func (h *Handler) createAuction(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	projectID, err := parseUUID(req.ProjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project_id"})
		return
	}
	auctionType, err := parseAuctionType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date"})
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date"})
		return
	}

	auction, err := h.auctions.CreateAuction(c.Request.Context(), service.CreateAuctionInput{
		Principal: principal,
		ProjectID: projectID,
		Type:      auctionType,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, auctionResponse(auction))
}

type placeBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *Handler) placeBid(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	auctionID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bid, err := h.auctions.PlaceBid(c.Request.Context(), service.PlaceBidInput{
		Principal: principal,
		AuctionID: auctionID,
		Amount:    req.Amount,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"bid_id":       bid.ID,
		"auction_id":   bid.AuctionID,
		"amount":       bid.Amount,
		"submitted_at": bid.SubmittedAt,
	})
}

func (h *Handler) closeAuction(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	auctionID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	auction, err := h.auctions.CloseAuction(c.Request.Context(), service.CloseAuctionInput{
		Principal: principal,
		AuctionID: auctionID,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, auctionResponse(auction))
}

func (h *Handler) getRanking(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	auctionID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ranking, err := h.auctions.GetRanking(c.Request.Context(), principal, auctionID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	entries := make([]gin.H, 0, len(ranking.Entries))
	for _, entry := range ranking.Entries {
		entries = append(entries, gin.H{
			"rank":          entry.Rank,
			"bid_id":        entry.BidID,
			"contractor_id": entry.ContractorID,
			"amount":        entry.Amount,
			"submitted_at":  entry.SubmittedAt,
		})
	}
	resp := gin.H{
		"auction_id": ranking.AuctionID,
		"status":     ranking.Status,
		"type":       ranking.Type,
		"bid_count":  ranking.BidCount,
		"entries":    entries,
	}
	if ranking.BestAmount != nil {
		resp["best_amount"] = *ranking.BestAmount
	}
	if ranking.WinnerID != nil {
		resp["winner_id"] = *ranking.WinnerID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) invoicePDF(c *gin.Context) {
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

	inv, err := h.milestones.GetInvoice(c.Request.Context(), principal, id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	project, err := h.milestones.GetProject(c.Request.Context(), principal, inv.ProjectID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	milestone, err := h.milestones.GetMilestone(c.Request.Context(), principal, inv.MilestoneID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	content, err := h.pdf.Generate(invoice.Document{
		Invoice:        *inv,
		ProjectTitle:   project.Title,
		MilestoneTitle: milestone.Title,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+inv.Number+".pdf\"")
	c.Data(http.StatusOK, "application/pdf", content)
}

func (h *Handler) exportInvoices(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	invoices, err := h.milestones.ListInvoices(c.Request.Context(), principal)
	if err != nil {
		h.handleError(c, err)
		return
	}

	content, err := h.excel.Generate(invoices)
	if err != nil {
		h.handleError(c, err)
		return
	}

	fileName := invoice.FileName(principal.UserID.String()[:8], time.Now())
	c.Header("Content-Disposition", "attachment; filename=\""+fileName+"\"")
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", content)
}

func (h *Handler) serveFeed(c *gin.Context) {
	if _, ok := middleware.MustPrincipal(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	channel := strings.TrimSpace(c.Param("channel"))
	if !strings.HasPrefix(channel, "milestones.") && !strings.HasPrefix(channel, "auctions.") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}
	if err := h.hub.Serve(c.Writer, c.Request, channel); err != nil {
		h.log.Warn().Err(err).Str("channel", channel).Msg("websocket upgrade failed")
	}
}

func auctionResponse(a *model.Auction) gin.H {
	resp := gin.H{
		"id":         a.ID,
		"agent_id":   a.AgentID,
		"project_id": a.ProjectID,
		"type":       a.Type,
		"start_date": a.StartDate,
		"end_date":   a.EndDate,
		"version":    a.Version,
	}
	if a.WinnerID != nil {
		resp["winner_id"] = *a.WinnerID
		resp["winning_amount"] = a.WinningAmount
	}
	return resp
}

func parseUUID(raw string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(raw))
}

func parseAuctionType(raw string) (model.AuctionType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reverse":
		return model.AuctionTypeReverse, nil
	case "sealed":
		return model.AuctionTypeSealed, nil
	default:
		return "", service.ErrInvalidInput
	}
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, service.ErrInvalidInput
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, service.ErrInvalidInput
}
