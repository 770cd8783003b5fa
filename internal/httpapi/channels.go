package httpapi

import (
	"net/http"

	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/session"
	"cloudpico-node/internal/utils"
)

type channel struct {
	Name       string `json:"name"`
	UUID       string `json:"uuid"`
	Service    string `json:"service"`
	Type       string `json:"type"`
	Value      int64  `json:"value"`
	Raw        string `json:"raw"`
	Written    bool   `json:"written"`
	Subscribed bool   `json:"subscribed"`
}

type channelList struct {
	Epoch     uint64    `json:"epoch"`
	Connected bool      `json:"connected"`
	Peer      string    `json:"peer,omitempty"`
	Channels  []channel `json:"channels"`
}

type channelHandler struct {
	session *session.Session
}

func (h *channelHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	resp := channelList{Epoch: h.session.Epoch(), Channels: []channel{}}
	if conn := h.session.Current(); conn != nil {
		resp.Connected = true
		resp.Peer = conn.Peer()
	}
	for _, e := range h.session.Registry().Snapshot() {
		resp.Channels = append(resp.Channels, h.view(e))
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (h *channelHandler) handleOne(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, e := range h.session.Registry().Snapshot() {
		if e.Name == name {
			utils.WriteJSON(w, http.StatusOK, h.view(e))
			return
		}
	}
	utils.WriteError(w, http.StatusNotFound, "unknown channel "+name)
}

func (h *channelHandler) view(e gatt.Entry) channel {
	return channel{
		Name:       e.Name,
		UUID:       e.UUID.String(),
		Service:    "0x" + utils.Hex4(e.Service.Short),
		Type:       e.Type.String(),
		Value:      e.Value.Int(),
		Raw:        utils.BytesToHex(e.Value.Encode()),
		Written:    e.Written,
		Subscribed: h.session.Subscribed(e.ID),
	}
}

func registerChannels(mux *http.ServeMux, s *session.Session) {
	h := &channelHandler{session: s}
	mux.HandleFunc("GET /channels", h.handleList)
	mux.HandleFunc("GET /channels/{name}", h.handleOne)
}
