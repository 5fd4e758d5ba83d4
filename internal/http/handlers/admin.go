package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/costs"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/prompts"
	"github.com/nordmach/go-sales-agent/internal/repo"
	"github.com/nordmach/go-sales-agent/internal/services"
	"github.com/nordmach/go-sales-agent/internal/utils"
)

const (
	maxPageSize = 100
	// maxCatalogUpload caps the accepted CSV body (covers ~40k rows with room).
	maxCatalogUpload = 64 << 20
)

// AdminHandler is the operator JSON surface: leads, catalog builds, prompt
// versions, provider switching, usage, and system logs.
type AdminHandler struct {
	DB      *gorm.DB
	Leads   *services.LeadService
	Engine  *catalog.Engine
	Prompts *prompts.Registry
	Gateway *llm.Gateway
	Guard   *costs.Guard
	Log     *logging.Hybrid

	// UploadDir keeps a copy of each accepted catalog CSV; empty disables
	// archiving.
	UploadDir string
}

// ListLeads serves GET /admin/leads?status=&page=&page_size=.
func (h *AdminHandler) ListLeads(c *gin.Context) {
	status := c.Query("status")
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)
	offset, limit := utils.PageBounds(page, pageSize, maxPageSize)

	total, err := repo.CountLeads(c.Request.Context(), h.DB, status)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "lead count failed")
		return
	}
	leads, err := repo.ListLeadsPage(c.Request.Context(), h.DB, status, offset, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "lead listing failed")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"data":      leads,
		"total":     total,
		"page":      page,
		"page_size": limit,
	})
}

// ExportLeads serves GET /admin/leads/export as CSV.
func (h *AdminHandler) ExportLeads(c *gin.Context) {
	status := c.Query("status")
	leads, err := repo.ListLeadsPage(c.Request.Context(), h.DB, status, 0, 10000)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "lead export failed")
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="leads.csv"`)
	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "created_at", "last_name", "phone", "email", "company", "question", "status", "crm_id", "auto_created"})
	for i := range leads {
		l := &leads[i]
		_ = w.Write([]string{
			strconv.FormatUint(uint64(l.ID), 10),
			l.CreatedAt.UTC().Format(time.RFC3339),
			l.LastName,
			l.Phone,
			l.Email,
			l.Company,
			l.Question,
			l.Status,
			l.CRMID,
			strconv.FormatBool(l.AutoCreated),
		})
	}
	w.Flush()
}

// GetLead serves GET /admin/leads/:id with the interaction trail.
func (h *AdminHandler) GetLead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid lead id")
		return
	}
	lead, err := repo.GetLead(c.Request.Context(), h.DB, uint(id))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "lead not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "lead lookup failed")
		return
	}
	interactions, err := repo.ListLeadInteractions(c.Request.Context(), h.DB, lead.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "interaction lookup failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"data": lead, "interactions": interactions})
}

type noteRequest struct {
	Content string `json:"content" binding:"required"`
}

// AddLeadNote serves POST /admin/leads/:id/notes.
func (h *AdminHandler) AddLeadNote(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid lead id")
		return
	}
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content is required")
		return
	}
	if err := h.Leads.AddNote(c.Request.Context(), uint(id), req.Content); err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "lead not found")
		default:
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				fail(c, http.StatusBadRequest, ErrCodeBadRequest, ve.Error())
				return
			}
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "note creation failed")
		}
		return
	}
	ok(c, http.StatusCreated, gin.H{"ok": true})
}

// UploadCatalog serves POST /admin/catalog. The CSV comes either as the
// "file" multipart part or as the raw request body. The build runs in the
// background; poll /admin/catalog/progress.
func (h *AdminHandler) UploadCatalog(c *gin.Context) {
	reader, err := catalogBody(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxCatalogUpload))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "upload read failed")
		return
	}
	h.archiveUpload(c, data)

	products, skipped, err := catalog.LoadCSV(bytes.NewReader(data))
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidCatalog, ve.Error())
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeInvalidCatalog, "catalog parse failed")
		return
	}
	if len(products) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeInvalidCatalog, "catalog has no valid rows")
		return
	}

	if err := h.Engine.BuildAsync(products); err != nil {
		if errors.Is(err, catalog.ErrBuildInProgress) {
			fail(c, http.StatusConflict, ErrCodeBuildInProgress, "a catalog build is already running")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "build start failed")
		return
	}
	ok(c, http.StatusAccepted, gin.H{
		"products":     len(products),
		"skipped_rows": skipped,
	})
}

// archiveUpload writes the raw CSV next to earlier uploads so a bad build
// can be replayed. Archiving failures are logged, never fatal: the build
// matters more than the copy.
func (h *AdminHandler) archiveUpload(c *gin.Context, data []byte) {
	if h.UploadDir == "" {
		return
	}
	ctx := c.Request.Context()
	if err := os.MkdirAll(h.UploadDir, 0o755); err != nil {
		h.Log.Warn(ctx, "upload dir creation failed", map[string]any{"dir": h.UploadDir, "error": err.Error()})
		return
	}
	name := "catalog_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	path := filepath.Join(h.UploadDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		h.Log.Warn(ctx, "upload archive failed", map[string]any{"path": path, "error": err.Error()})
		return
	}
	h.Log.Console().Debug().Str("path", path).Int("bytes", len(data)).Msg("catalog upload archived")
}

// CatalogProgress serves GET /admin/catalog/progress.
func (h *AdminHandler) CatalogProgress(c *gin.Context) {
	v, err := h.Engine.Progress(c.Request.Context())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no catalog builds yet")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "progress lookup failed")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"version":       v.VersionName,
		"status":        v.Status,
		"total":         v.TotalRows,
		"indexed":       v.IndexedRows,
		"serving":       h.Engine.ActiveVersion(),
		"serving_count": h.Engine.ProductCount(),
	})
}

type serviceRow struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Keywords    string `json:"keywords"`
}

type servicesRequest struct {
	Data []serviceRow `json:"data" binding:"required"`
}

// ReplaceServices serves PUT /admin/services: the new list atomically
// replaces the active one.
func (h *AdminHandler) ReplaceServices(c *gin.Context) {
	var req servicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "data is required and every row needs a title")
		return
	}
	rows := make([]domain.CompanyService, 0, len(req.Data))
	for _, r := range req.Data {
		rows = append(rows, domain.CompanyService{
			Title:       r.Title,
			Description: r.Description,
			Category:    r.Category,
			Keywords:    r.Keywords,
		})
	}
	if err := repo.ReplaceServices(c.Request.Context(), h.DB, rows); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "service replacement failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"count": len(rows)})
}

type companyInfoRequest struct {
	Content  string `json:"content" binding:"required"`
	Filename string `json:"filename"`
}

// PutCompanyInfo serves PUT /admin/company-info: uploads a new "about the
// company" document, superseding the previous one.
func (h *AdminHandler) PutCompanyInfo(c *gin.Context) {
	var req companyInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content is required")
		return
	}
	info, err := repo.ReplaceCompanyInfo(c.Request.Context(), h.DB, req.Content, req.Filename)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "company info update failed")
		return
	}
	ok(c, http.StatusOK, info)
}

// ListPrompts serves GET /admin/prompts.
func (h *AdminHandler) ListPrompts(c *gin.Context) {
	rows, err := repo.ListActivePrompts(c.Request.Context(), h.DB)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "prompt listing failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"data": rows})
}

// GetPrompt serves GET /admin/prompts/:name.
func (h *AdminHandler) GetPrompt(c *gin.Context) {
	p, err := h.Prompts.Get(c.Param("name"))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "prompt not found")
		return
	}
	ok(c, http.StatusOK, p)
}

type promptRequest struct {
	Content string `json:"content" binding:"required"`
	Role    string `json:"role"`
}

// PutPrompt serves PUT /admin/prompts/:name; it creates a new active version.
func (h *AdminHandler) PutPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content is required")
		return
	}
	p, err := h.Prompts.Put(c.Request.Context(), c.Param("name"), req.Content, req.Role)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, ve.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "prompt update failed")
		return
	}
	ok(c, http.StatusOK, p)
}

// ReloadPrompts serves POST /admin/prompts/reload.
func (h *AdminHandler) ReloadPrompts(c *gin.Context) {
	if err := h.Prompts.Reload(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "prompt reload failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"names": h.Prompts.Names()})
}

type providerRequest struct {
	Name string `json:"name" binding:"required"`
}

// GetProvider serves GET /admin/provider.
func (h *AdminHandler) GetProvider(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"active": h.Gateway.Active().Name()})
}

// SwitchProvider serves PUT /admin/provider; the swap applies to in-flight
// traffic immediately and survives restarts.
func (h *AdminHandler) SwitchProvider(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name is required")
		return
	}
	if err := h.Gateway.SwitchProvider(c.Request.Context(), h.DB, req.Name); err != nil {
		if errors.Is(err, llm.ErrUnknownProvider) {
			fail(c, http.StatusBadRequest, ErrCodeUnknownProvider, "unknown provider: "+req.Name)
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "provider switch failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"active": req.Name})
}

// Usage serves GET /admin/usage: the current period snapshot plus the
// per-provider/model rollups.
func (h *AdminHandler) Usage(c *gin.Context) {
	tokens, cost, year, month := h.Guard.Snapshot(c.Request.Context())
	rows, err := repo.UsageForPeriod(c.Request.Context(), h.DB, year, int(month))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "usage lookup failed")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"period":       fmt.Sprintf("%04d-%02d", year, int(month)),
		"total_tokens": tokens,
		"total_cost":   cost,
		"data":         rows,
	})
}

// ClearCostLimit serves POST /admin/usage/clear-limit: lifts the budget
// kill-switch for the rest of the period after the operator reviewed the
// overrun.
func (h *AdminHandler) ClearCostLimit(c *gin.Context) {
	h.Guard.ClearKillSwitch()
	ok(c, http.StatusOK, gin.H{"cleared": true})
}

// ListLogs serves GET /admin/logs?level=&limit=.
func (h *AdminHandler) ListLogs(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	rows, err := repo.ListSystemLogs(c.Request.Context(), h.DB, c.Query("level"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "log listing failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"data": rows})
}

// catalogBody picks the upload source: multipart "file" part when present,
// otherwise the raw body.
func catalogBody(c *gin.Context) (io.ReadCloser, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, errors.New("unreadable upload")
		}
		return f, nil
	}
	if c.Request.Body == nil {
		return nil, errors.New("empty request body")
	}
	return c.Request.Body, nil
}
