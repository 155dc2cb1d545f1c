package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/adityaadpandey/callroom/internals/auth"
	"github.com/adityaadpandey/callroom/internals/call"
	"github.com/adityaadpandey/callroom/internals/room"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type createRoomRequest struct {
	BookingID   string `json:"bookingId,omitempty"`
	InterviewID string `json:"interviewId,omitempty"`
}

// createRoom handles POST /api/rooms. An empty body creates an ad-hoc room.
func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	info, err := s.calls.CreateOrGetRoom(r.Context(), auth.UserID(r.Context()),
		room.Ref{BookingID: req.BookingID, InterviewID: req.InterviewID})
	if err != nil {
		s.fail(w, "create room", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// joinRoom handles POST /api/rooms/join.
func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var lookup call.Lookup
	if !decodeBody(w, r, &lookup) {
		return
	}

	info, err := s.calls.JoinRoom(r.Context(), auth.UserID(r.Context()), lookup)
	if err != nil {
		s.fail(w, "join room", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getRoomInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.calls.GetRoomInfo(r.Context(), auth.UserID(r.Context()), mux.Vars(r)["roomId"])
	if err != nil {
		s.fail(w, "get room", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.LeaveRoom(r.Context(), auth.UserID(r.Context()), mux.Vars(r)["roomId"]); err != nil {
		s.fail(w, "leave room", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) endRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.EndRoom(r.Context(), auth.UserID(r.Context()), mux.Vars(r)["roomId"]); err != nil {
		s.fail(w, "end room", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) getSessionInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.calls.GetSessionInfo(r.Context(), mux.Vars(r)["bookingId"])
	if err != nil {
		s.fail(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// decodeBody reads an optional JSON body into out.
func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(out)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, call.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
