package httpapi

import (
	"net/http"

	"cloudpico-node/internal/utils"
)

type health struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Epoch  uint64 `json:"epoch"`
	Cycles uint64 `json:"cycles"`
	Faults uint64 `json:"faults"`
}

type healthchecker struct {
	deps Deps
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := health{
		Status: "ok",
		State:  h.deps.Server.State().String(),
		Epoch:  h.deps.Session.Epoch(),
	}
	if h.deps.Stats != nil {
		body.Cycles, body.Faults = h.deps.Stats.Stats()
	}
	utils.WriteJSON(w, http.StatusOK, body)
}

func registerHealthcheck(mux *http.ServeMux, deps Deps) {
	h := &healthchecker{deps: deps}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
