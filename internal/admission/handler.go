package admission

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/identity"
)

type Handler struct {
	pipeline *Pipeline
}

func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// generateRequest accepts both the current field names and the ones older
// extension builds still send.
type generateRequest struct {
	BaseImage     string `json:"baseImage"`
	BaseURL       string `json:"baseUrl"`
	OverlayImage  string `json:"overlayImage"`
	OverlayURL    string `json:"overlayUrl"`
	ItemTypeHint  string `json:"itemTypeHint"`
	ItemType      string `json:"itemType"`
	ClaimedUserID string `json:"claimedUserId"`
	UserID        string `json:"userId"`
}

func (g generateRequest) toRequest(r *http.Request) Request {
	return Request{
		BaseImage:     firstNonEmpty(g.BaseImage, g.BaseURL),
		OverlayImage:  firstNonEmpty(g.OverlayImage, g.OverlayURL),
		ItemTypeHint:  firstNonEmpty(g.ItemTypeHint, g.ItemType),
		ClaimedUserID: firstNonEmpty(g.ClaimedUserID, g.UserID),
		ClientIP:      identity.ClientIP(r),
		UserAgent:     r.UserAgent(),
	}
}

type generateResponse struct {
	GeneratedImage string `json:"generatedImage"`
	Tokens         int    `json:"tokens"`
	WelcomeMessage string `json:"welcomeMessage,omitempty"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Generate serves POST /generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, identity.MaxBodyBytes)

	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.HandleError(w, governance.Reject(governance.KindInvalidRequest, "request body is too large"))
			return
		}
		api.HandleError(w, governance.Reject(governance.KindInvalidRequest, "invalid request body"))
		return
	}

	res, err := h.pipeline.Run(r.Context(), body.toRequest(r))
	if err != nil {
		if _, ok := governance.AsRejection(err); !ok {
			slog.Error("generate request failed", "error", err)
		}
		api.HandleError(w, err)
		return
	}

	api.JSONBody(w, http.StatusOK, generateResponse{
		GeneratedImage: res.Image.DataURL(),
		Tokens:         res.Balance,
		WelcomeMessage: res.User.WelcomeMessage,
	})
}
