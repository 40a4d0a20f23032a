package controller

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openkoi/koi/internal/problem/service"
	"github.com/openkoi/koi/pkg/utils/response"
)

// TestDataController handles test-data archive imports.
type TestDataController struct {
	testDataService *service.TestDataService
}

func NewTestDataController(testDataService *service.TestDataService) *TestDataController {
	return &TestDataController{testDataService: testDataService}
}

// Import replaces a problem's test cases from a `.tar.zst` archive sent as
// the raw request body.
func (h *TestDataController) Import(c *gin.Context) {
	idStr := c.Param("id")
	problemID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || problemID <= 0 {
		response.BadRequest(c, "Invalid problem id")
		return
	}

	result, err := h.testDataService.Import(c.Request.Context(), problemID, c.Request.Body)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, ImportResponse{
		ProblemID: result.ProblemID,
		Imported:  result.Imported,
		Hidden:    result.Hidden,
		ObjectKey: result.ObjectKey,
	})
}

// ImportResponse defines the import result payload.
type ImportResponse struct {
	ProblemID int64  `json:"problem_id"`
	Imported  int    `json:"imported"`
	Hidden    int    `json:"hidden"`
	ObjectKey string `json:"object_key,omitempty"`
}
