package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/channel-warden/actions"
	"github.com/onnwee/channel-warden/config"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/telemetry"
)

// HandleSettings handles GET and PUT of the runtime settings. PUT merges the
// body over the stored values, so omitted fields keep their current value.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
	switch r.Method {
	case http.MethodGet:
		s, err := config.LoadSettings(r.Context(), h.deps.Store)
		if err != nil {
			log.Error("failed to load settings", slog.Any("err", err))
			http.Error(w, "failed to load settings", http.StatusInternalServerError)
			return
		}
		if s.Channels == nil {
			s.Channels = []string{}
		}
		writeJSON(w, http.StatusOK, s)
	case http.MethodPut:
		s, err := config.LoadSettings(r.Context(), h.deps.Store)
		if err != nil {
			log.Error("failed to load settings", slog.Any("err", err))
			http.Error(w, "failed to load settings", http.StatusInternalServerError)
			return
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&s); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := config.SaveSettings(r.Context(), h.deps.Store, s); err != nil {
			var se *store.StorageError
			if errors.As(err, &se) {
				log.Error("failed to save settings", slog.Any("err", err))
				http.Error(w, "failed to save settings", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusBadRequest, actions.Ack{Success: false, Error: err.Error()})
			return
		}
		log.Info("settings updated", slog.Int("channels", len(s.Channels)), slog.Int("delay", s.Delay))
		if h.deps.Actions != nil {
			h.deps.Actions.Dispatch(r.Context(), &actions.ConfigUpdated{})
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// statusResponse is the /status body.
type statusResponse struct {
	Running         bool              `json:"isRunning"`
	State           string            `json:"state"`
	ChannelStatus   map[string]string `json:"channelStatus"`
	OpenTabs        int               `json:"openTabs"`
	HasToken        bool              `json:"hasToken"`
	BridgeConnected bool              `json:"bridgeConnected"`
	Channels        []string          `json:"channels"`
	IntervalSeconds int               `json:"intervalSeconds"`
	Version         string            `json:"version,omitempty"`
}

// HandleStatus returns a lightweight status summary of the supervisor and its connections.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	snap := h.deps.Monitor.Snapshot()
	resp := statusResponse{
		Running:       snap.Running,
		State:         snap.State,
		ChannelStatus: snap.ChannelStatus,
		OpenTabs:      snap.OpenTabs,
		Channels:      []string{},
		Version:       h.deps.Version,
	}
	if resp.ChannelStatus == nil {
		resp.ChannelStatus = map[string]string{}
	}
	if h.deps.Tokens != nil {
		resp.HasToken = h.deps.Tokens.HasToken(ctx)
	}
	if h.deps.Bridge != nil {
		resp.BridgeConnected = h.deps.Bridge.Connected()
	}
	if s, err := config.LoadSettings(ctx, h.deps.Store); err == nil {
		if s.Channels != nil {
			resp.Channels = s.Channels
		}
		resp.IntervalSeconds = int(s.Interval().Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAction runs one messaging-surface command posted as JSON and returns
// its result. Failures are reported in the body with status 200, as the UIs
// expect.
func (h *Handlers) HandleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Actions.Handle(r.Context(), raw))
}
