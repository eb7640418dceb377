package api

import (
	"net/http"
	"strings"

	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/internal/pipeline"
)

type generateTagsRequest struct {
	FrameDataURI string `json:"frameDataUri"`
	Filename     string `json:"filename"`
}

// GenerateTagsHandler tags a single frame supplied as a data URI.
func (h *Handlers) GenerateTagsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "generate-tags-handler")
	defer span.End()

	var req generateTagsRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	frame, err := frames.ParseDataURI(req.FrameDataURI)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	tags, err := h.tagger.GenerateTags(ctx, frame, strings.TrimSpace(req.Filename))
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Tag generation failed", "error", err, "filename", req.Filename)
		h.writeError(ctx, w, http.StatusBadGateway, err.Error())
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"tags": tags})
}

type refineTagsRequest struct {
	OriginalTags string `json:"originalTags"`
	UserFeedback string `json:"userFeedback"`
}

// RefineTagsHandler rewrites a tag string using editor feedback.
func (h *Handlers) RefineTagsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "refine-tags-handler")
	defer span.End()

	var req refineTagsRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.OriginalTags) == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "originalTags is required")
		return
	}
	if err := pipeline.ValidateFeedback(req.UserFeedback); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	refined, err := h.refiner.RefineTags(ctx, req.OriginalTags, strings.TrimSpace(req.UserFeedback))
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Tag refinement failed", "error", err)
		h.writeError(ctx, w, http.StatusBadGateway, err.Error())
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"refinedTags": refined})
}
