package controller

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openkoi/koi/internal/auth/middleware"
	"github.com/openkoi/koi/internal/submission/repository"
	"github.com/openkoi/koi/internal/submission/service"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
	"github.com/openkoi/koi/pkg/utils/response"
)

// SubmissionController exposes the submission API. All routes sit behind
// RequireAuth, so a missing user id means broken route wiring.
type SubmissionController struct {
	submissionService *service.SubmissionService
}

func NewSubmissionController(submissionService *service.SubmissionService) *SubmissionController {
	return &SubmissionController{submissionService: submissionService}
}

// Create handles POST /submissions.
func (h *SubmissionController) Create(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "missing user identity")
		return
	}

	var req CreateSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	sub, err := h.submissionService.Create(c.Request.Context(), userID, service.CreateRequest{
		ProblemID:  req.ProblemID,
		LanguageID: req.LanguageID,
		Code:       req.Code,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, sub)
}

// Get handles GET /submissions/:id.
func (h *SubmissionController) Get(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "missing user identity")
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return
	}

	sub, err := h.submissionService.Get(c.Request.Context(), id, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, sub)
}

// List handles GET /submissions.
func (h *SubmissionController) List(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "missing user identity")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	subs, err := h.submissionService.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	if subs == nil {
		subs = []repository.Submission{}
	}
	response.Success(c, SubmissionListResponse{Submissions: subs})
}

// CreateSubmissionRequest is the POST /submissions body.
type CreateSubmissionRequest struct {
	ProblemID  int64  `json:"problem_id" binding:"required"`
	LanguageID int64  `json:"language_id" binding:"required"`
	Code       string `json:"code" binding:"required"`
}

// SubmissionListResponse wraps the list payload.
type SubmissionListResponse struct {
	Submissions []repository.Submission `json:"submissions"`
}
