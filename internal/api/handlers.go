package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/banshee-data/hdmi-cec/internal/action"
	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/bridge"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/httputil"
)

const maxFramesLimit = 1000

var errNoJournal = errors.New("frame journal disabled (start with --db)")

// sendErrorStatus maps send failures to HTTP statuses.
var sendErrorStatus = []httputil.StatusRule{
	{Err: cec.ErrValidation, Status: http.StatusBadRequest},
	{Err: bridge.ErrUnknownAction, Status: http.StatusNotFound},
	{Err: arbitration.ErrMonitorMode, Status: http.StatusConflict},
	{Err: action.ErrNoAddress, Status: http.StatusServiceUnavailable},
	{Err: cec.ErrBus, Status: http.StatusBadGateway},
	{Err: context.DeadlineExceeded, Status: http.StatusGatewayTimeout},
}

// sendRequest is either a named action or an explicit packet. Data is hex,
// with or without colons.
type sendRequest struct {
	Action      string `json:"action,omitempty"`
	Source      *int   `json:"source,omitempty"`
	Destination *int   `json:"destination,omitempty"`
	Data        string `json:"data,omitempty"`
}

type sendResponse struct {
	Attempts   int     `json:"attempts"`
	Acked      bool    `json:"acked"`
	Broadcast  bool    `json:"broadcast"`
	DurationMs float64 `json:"duration_ms"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req sendRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.sendTimeout)
	defer cancel()

	var (
		report arbitration.Report
		err    error
	)
	if req.Action != "" {
		if req.Source != nil || req.Destination != nil || req.Data != "" {
			httputil.BadRequest(w, "action cannot be combined with an explicit packet")
			return
		}
		report, err = s.bridge.RunAction(ctx, req.Action)
	} else {
		a, perr := req.sendAction()
		if perr != nil {
			httputil.BadRequest(w, perr.Error())
			return
		}
		report, err = s.bridge.Execute(ctx, a)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("api send failed")
		httputil.WriteError(w, err, sendErrorStatus...)
		return
	}
	httputil.WriteJSONOK(w, sendResponse{
		Attempts:   report.Attempts,
		Acked:      report.Acked,
		Broadcast:  report.Broadcast,
		DurationMs: float64(report.Duration.Microseconds()) / 1e3,
	})
}

func (req sendRequest) sendAction() (action.SendAction, error) {
	a := action.SendAction{Name: "api"}
	if req.Source != nil {
		a.Source = action.Static[int]{V: *req.Source}
	}
	if req.Destination != nil {
		a.Destination = action.Static[int]{V: *req.Destination}
	}
	data, err := cec.ParseHex(req.Data)
	if err != nil {
		return a, err
	}
	a.Data = action.StaticBytes(data...)
	return a, nil
}

type addressInfo struct {
	Address int    `json:"address"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	primary, claimed := s.bridge.Primary()
	out := make([]addressInfo, 0)
	for _, a := range s.bridge.Addresses() {
		out = append(out, addressInfo{
			Address: int(a),
			Name:    a.String(),
			Primary: claimed && a == primary,
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.bridge.Listeners())
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, errNoJournal.Error())
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxFramesLimit {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	frames, err := s.journal.RecentFrames(limit)
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve frames: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, frames)
}

type opcodeCount struct {
	Opcode int    `json:"opcode"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
}

// opcodeCounts returns journal totals labelled with opcode names.
func (s *Server) opcodeCounts() ([]opcodeCount, error) {
	if s.journal == nil {
		return nil, errNoJournal
	}
	counts, err := s.journal.OpcodeCounts()
	if err != nil {
		return nil, err
	}
	out := make([]opcodeCount, len(counts))
	for i, c := range counts {
		out[i] = opcodeCount{Opcode: c.Opcode, Name: cec.Opcode(c.Opcode).String(), Count: c.Count}
	}
	return out, nil
}

func (s *Server) handleOpcodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	counts, err := s.opcodeCounts()
	if err != nil {
		httputil.WriteError(w, err, httputil.StatusRule{Err: errNoJournal, Status: http.StatusNotFound})
		return
	}
	httputil.WriteJSONOK(w, counts)
}
