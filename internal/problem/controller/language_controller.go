package controller

import (
	"github.com/gin-gonic/gin"

	"github.com/openkoi/koi/internal/problem/repository"
	"github.com/openkoi/koi/pkg/utils/response"
)

// LanguageController serves the submittable language list.
type LanguageController struct {
	languages repository.LanguageRepository
}

func NewLanguageController(languages repository.LanguageRepository) *LanguageController {
	return &LanguageController{languages: languages}
}

// List returns all active languages.
func (h *LanguageController) List(c *gin.Context) {
	languages, err := h.languages.List(c.Request.Context(), true)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]LanguageItem, 0, len(languages))
	for _, lang := range languages {
		items = append(items, LanguageItem{
			ID:      lang.ID,
			Slug:    lang.Slug,
			Name:    lang.Name,
			Version: lang.Version,
		})
	}
	response.Success(c, LanguageListResponse{Languages: items})
}

// LanguageItem is one language in the list payload.
type LanguageItem struct {
	ID      int64  `json:"id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LanguageListResponse defines the language list payload.
type LanguageListResponse struct {
	Languages []LanguageItem `json:"languages"`
}
