package server

import (
	"net/http"

	"github.com/smukkama/devicemap/internal/protocol"
)

type trackResponse struct {
	Status   string `json:"status"`
	DeviceID int64  `json:"device_id"`
}

// handleTrack accepts one position report and queues it on the raw topic,
// keyed by device so a device's reports stay ordered.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if s.tracks == nil {
		writeError(w, http.StatusServiceUnavailable, "track ingestion is not configured")
		return
	}

	var data protocol.TrackData
	if !decode(w, r, &data) {
		return
	}
	if err := data.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := &protocol.LocationMessage{ReceivedAt: s.now().UTC(), Data: data}
	payload, err := protocol.EncodeLocationMessage(msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.tracks.Publish(r.Context(), msg.Key(), payload); err != nil {
		s.log.Error().Err(err).Int64("device_id", data.DeviceID).Msg("failed to publish report")
		writeError(w, http.StatusServiceUnavailable, "failed to queue report")
		return
	}

	s.log.Debug().Int64("device_id", data.DeviceID).Msg("report queued")
	writeJSON(w, http.StatusAccepted, trackResponse{Status: "queued", DeviceID: data.DeviceID})
}
