package analyses

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"bikefit-backend/internal/shared/server/middleware"
	"bikefit-backend/internal/shared/server/respond"
)

// multipartOverhead is the allowance on top of the video size for the intake
// fields and multipart framing.
const multipartOverhead = 1 << 20

const msgSubmitted = "Video uploaded successfully. Analysis started."

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc     *Service
	limiter *pollLimiter
	base    string
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc, limiter: newPollLimiter(pollLimitWindow, nil)}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	h.base = path.Join(rg.BasePath(), "analyses")
	rg.POST("/analyses", h.submit)
	rg.POST("/analyses/uploads", h.reserveUpload)
	rg.POST("/analyses/from-upload", h.submitUploaded)
	rg.GET("/analyses", h.listAnalyses)
	rg.GET("/analyses/:id", h.getAnalysis)
}

func (h *Handler) location(analysisID string) string {
	return path.Join(h.base, analysisID)
}

type submitResponse struct {
	Message    string `json:"message"`
	AnalysisID string `json:"analysisId"`
	VideoURL   string `json:"videoUrl"`
}

func (h *Handler) submit(c *gin.Context) {
	ctx := c.Request.Context()
	limit := h.Svc.maxUploadBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	fh, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(c, &ValidationError{Message: msgVideoTooLarge, Err: err})
			return
		}
		h.writeError(c, &ValidationError{Message: msgNoVideo, Err: err})
		return
	}
	if fh.Size > limit {
		h.writeError(c, &ValidationError{Message: msgVideoTooLarge})
		return
	}
	file, err := fh.Open()
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "upload_read_failed", "Failed to read uploaded video", err)
		return
	}
	defer file.Close()
	video, err := io.ReadAll(file)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "upload_read_failed", "Failed to read uploaded video", err)
		return
	}

	receipt, err := h.Svc.Submit(ctx, Submission{
		OwnerID:     middleware.UserIDFromContext(c),
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Video:       video,
		Intake:      intakeFromForm(c),
	})
	if receipt.Analysis.ID != "" {
		c.Set("analysisId", receipt.Analysis.ID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond.Created(c, h.location(receipt.Analysis.ID), submitResponse{
		Message:    msgSubmitted,
		AnalysisID: receipt.Analysis.ID,
		VideoURL:   receipt.VideoURL,
	})
}

type reserveUploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type reserveUploadResponse struct {
	AnalysisID string            `json:"analysisId"`
	VideoKey   string            `json:"videoKey"`
	UploadURL  string            `json:"uploadUrl"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresAt  string            `json:"expiresAt"`
}

func (h *Handler) reserveUpload(c *gin.Context) {
	ctx := c.Request.Context()
	var req reserveUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, &ValidationError{Message: "invalid request body", Err: err})
		return
	}
	ticket, err := h.Svc.ReserveUpload(ctx, UploadRequest{
		OwnerID:     middleware.UserIDFromContext(c),
		FileName:    strings.TrimSpace(req.FileName),
		ContentType: strings.TrimSpace(req.ContentType),
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Set("analysisId", ticket.AnalysisID)
	respond.OK(c, reserveUploadResponse{
		AnalysisID: ticket.AnalysisID,
		VideoKey:   ticket.VideoKey,
		UploadURL:  ticket.Upload.URL,
		Method:     ticket.Upload.Method,
		Headers:    ticket.Upload.Headers,
		ExpiresAt:  ticket.Upload.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

type fromUploadRequest struct {
	AnalysisID string `json:"analysisId"`
	VideoKey   string `json:"videoKey"`
	Intake
}

func (h *Handler) submitUploaded(c *gin.Context) {
	ctx := c.Request.Context()
	var req fromUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, &ValidationError{Message: "invalid request body", Err: err})
		return
	}
	c.Set("analysisId", req.AnalysisID)
	receipt, err := h.Svc.SubmitUploaded(ctx, UploadedSubmission{
		OwnerID:    middleware.UserIDFromContext(c),
		AnalysisID: strings.TrimSpace(req.AnalysisID),
		VideoKey:   strings.TrimSpace(req.VideoKey),
		Intake:     req.Intake,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond.Created(c, h.location(receipt.Analysis.ID), submitResponse{
		Message:    msgSubmitted,
		AnalysisID: receipt.Analysis.ID,
		VideoURL:   receipt.VideoURL,
	})
}

func (h *Handler) getAnalysis(c *gin.Context) {
	analysisID := c.Param("id")
	if analysisID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "analysis id is required", nil)
		return
	}
	c.Set("analysisId", analysisID)
	ownerID := middleware.UserIDFromContext(c)

	if ok, wait := h.limiter.Allow(ownerID, analysisID); !ok {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		respond.Error(c, http.StatusTooManyRequests, "poll_rate_limited", "Polling too frequently", nil)
		return
	}

	analysis, err := h.Svc.Get(c.Request.Context(), ownerID, analysisID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Set("analysisStatus", string(analysis.Status))
	respond.OK(c, analysis)
}

func (h *Handler) listAnalyses(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit)
	offset := queryInt(c, "offset", 0)

	analyses, err := h.Svc.List(c.Request.Context(), middleware.UserIDFromContext(c), limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "Failed to list analyses", err)
		return
	}

	resp := make([]gin.H, 0, len(analyses))
	for _, a := range analyses {
		item := gin.H{
			"analysisId":    a.ID,
			"status":        a.Status,
			"videoFileName": a.VideoFileName,
			"sportType":     a.Intake.SportType,
			"createdAt":     a.CreatedAt,
			"updatedAt":     a.UpdatedAt,
		}
		if a.Failure != nil {
			item["errorCode"] = a.Failure.Code
		}
		resp = append(resp, item)
	}
	respond.OK(c, resp)
}

// writeError maps service errors to responses. Client errors carry only a
// message; server faults also carry the cause text.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		validation *ValidationError
		storage    *StorageFault
		ledger     *LedgerFault
		dispatch   *DispatchFault
	)
	switch {
	case errors.As(err, &validation):
		respond.Error(c, http.StatusBadRequest, "validation_error", validation.Message, nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "Analysis not found", nil)
	case errors.Is(err, ErrDuplicateID):
		respond.Error(c, http.StatusConflict, "conflict", "Analysis already exists", nil)
	case errors.Is(err, ErrDirectUploadUnsupported):
		respond.Error(c, http.StatusNotImplemented, "not_implemented", "Direct upload is not supported by this deployment", nil)
	case errors.As(err, &storage):
		respond.Error(c, http.StatusInternalServerError, "storage_error", "Failed to store video", storage.Err)
	case errors.As(err, &ledger):
		respond.Error(c, http.StatusInternalServerError, "ledger_error", "Failed to record analysis", ledger.Err)
	case errors.As(err, &dispatch):
		respond.Error(c, http.StatusInternalServerError, "dispatch_error", "Failed to start analysis", dispatch.Err)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "Error processing video upload", err)
	}
}

func intakeFromForm(c *gin.Context) Intake {
	return Intake{
		Height:             strings.TrimSpace(c.PostForm("height")),
		Weight:             strings.TrimSpace(c.PostForm("weight")),
		SportType:          strings.TrimSpace(c.PostForm("sportType")),
		RiderExperience:    strings.TrimSpace(c.PostForm("riderExperience")),
		CommonDiscomforts:  strings.TrimSpace(c.PostForm("commonDiscomforts")),
		PreferredPositions: strings.TrimSpace(c.PostForm("preferredPositions")),
		KeyGoals:           strings.TrimSpace(c.PostForm("keyGoals")),
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
