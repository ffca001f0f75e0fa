package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb"

	"github.com/smukkama/devicemap/internal/cluster"
	"github.com/smukkama/devicemap/internal/mapview"
	"github.com/smukkama/devicemap/internal/models"
	"github.com/smukkama/devicemap/internal/pipeline"
)

// sessionResponse is returned by every call that may reload data
type sessionResponse struct {
	Session   mapview.Snapshot     `json:"session"`
	FitBounds *models.LatLngBounds `json:"fit_bounds,omitempty"`
}

type deviceRequest struct {
	DeviceID *int64 `json:"device_id"`
}

type datesRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Range bool   `json:"range"`
}

type viewportRequest struct {
	Bounds *[4]float64 `json:"bounds"`
	Zoom   float64     `json:"zoom"`
}

type locationRequest struct {
	LocationID *int64 `json:"location_id"`
}

type navigateResponse struct {
	Location   models.Location          `json:"location"`
	Camera     pipeline.CameraMove      `json:"camera"`
	Navigation pipeline.NavigationState `json:"navigation"`
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*mapview.Session, bool) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// reload refreshes the session and answers with its snapshot
func (s *Server) reload(w http.ResponseWriter, r *http.Request, sess *mapview.Session) {
	outcome, err := s.service.Refresh(r.Context(), sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess.Snapshot(), FitBounds: outcome.FitBounds})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.service.Devices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Create()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if _, err := s.service.Refresh(r.Context(), sess); err != nil {
		s.registry.Delete(sess.ID())
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess.Snapshot()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess.Snapshot()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Delete(mux.Vars(r)["id"]) {
		s.fail(w, r, mapview.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DeviceID != nil && *req.DeviceID <= 0 {
		writeError(w, http.StatusBadRequest, "device_id must be positive")
		return
	}

	sess.SelectDevice(req.DeviceID)
	s.reload(w, r, sess)
}

func (s *Server) handleSetDates(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req datesRequest
	if !decode(w, r, &req) {
		return
	}

	span, err := sess.ParseDates(req.Start, req.End, req.Range)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := sess.SetDates(span); err != nil {
		s.fail(w, r, err)
		return
	}
	s.reload(w, r, sess)
}

func (s *Server) handleSetHours(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req pipeline.HourWindow
	if !decode(w, r, &req) {
		return
	}
	if err := sess.SetHours(req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess.Snapshot()})
}

func (s *Server) handleSetGeolocation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req *models.Geolocation
	if !decode(w, r, &req) {
		return
	}
	sess.SetGeolocation(req)
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess.Snapshot()})
}

// handleSetViewport goes through the session throttle. Updates that land
// later are announced to the session's websocket subscribers.
func (s *Server) handleSetViewport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req viewportRequest
	if !decode(w, r, &req) {
		return
	}

	v := models.Viewport{Zoom: req.Zoom}
	if req.Bounds != nil {
		b := req.Bounds
		if b[1] > b[3] || b[1] < -90 || b[3] > 90 {
			writeError(w, http.StatusBadRequest, "bounds must be [west, south, east, north]")
			return
		}
		v.Bounds = &orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
	}

	id := sess.ID()
	immediate := sess.UpdateViewport(v, func() { s.hub.NotifySession(id) })
	status := http.StatusOK
	if !immediate {
		status = http.StatusAccepted
	}
	writeJSON(w, status, sessionResponse{Session: sess.Snapshot()})
}

func (s *Server) handleSelectLocation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	if err := sess.SelectLocation(req.LocationID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess.Snapshot()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.reload(w, r, sess)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Locations())
}

func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	result := sess.Markers()
	writeJSON(w, http.StatusOK, cluster.FeatureCollection(result.Features))
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.NearestDevices())
}

type boundsResponse struct {
	Bounds *models.LatLngBounds `json:"bounds"`
}

func (s *Server) handleBounds(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	b, ok := sess.Bounds()
	if !ok {
		writeJSON(w, http.StatusNotFound, boundsResponse{})
		return
	}
	writeJSON(w, http.StatusOK, boundsResponse{Bounds: &b})
}

type zoomResponse struct {
	ClusterID int `json:"cluster_id"`
	Zoom      int `json:"zoom"`
}

func (s *Server) handleExpansionZoom(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	clusterID, err := strconv.Atoi(mux.Vars(r)["cluster_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cluster id")
		return
	}

	zoom, err := sess.ExpansionZoom(clusterID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, zoomResponse{ClusterID: clusterID, Zoom: zoom})
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	d, err := pipeline.ParseDirection(mux.Vars(r)["direction"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	loc, camera, err := sess.Navigate(d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, navigateResponse{
		Location:   loc,
		Camera:     camera,
		Navigation: sess.Snapshot().Navigation,
	})
}
