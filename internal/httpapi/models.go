package httpapi

import (
	"net/http"
)

type modelCard struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	OwnedBy string   `json:"owned_by"`
	Target  string   `json:"target"`
	Type    string   `json:"type,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelCard `json:"data"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.models.Models(r.Context())
	if err != nil {
		respondUpstreamError(w, err)
		return
	}

	out := modelList{Object: "list", Data: make([]modelCard, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, modelCard{
			ID:      m.Name,
			Object:  "model",
			OwnedBy: "router",
			Target:  m.ID,
			Type:    m.ModelType,
			Tags:    m.Tags,
		})
	}
	respondJSON(w, http.StatusOK, out)
}
