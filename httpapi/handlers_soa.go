package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"soaflow/soa"
)

func (s *Server) actor(r *http.Request) string {
	sess, _ := sessionFrom(r.Context())
	return sess.UserID
}

func (s *Server) badJSON(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON: "+err.Error(), nil)
}

func sendBody(res soa.SendResult) map[string]any {
	body := map[string]any{
		"id":  res.Record.ID,
		"soa": toSOAResponse(res.Record),
	}
	if res.SignURL != "" {
		body["signUrl"] = res.SignURL
	}
	if res.Warning != "" {
		body["warning"] = res.Warning
		body["liveSoaIds"] = res.LiveSOAIDs
	}
	return body
}

// writeSendResult reports a committed send. A delivery failure still carries
// the record so the agent can resend.
func (s *Server) writeSendResult(w http.ResponseWriter, r *http.Request, status int, res soa.SendResult, err error) {
	var de *soa.DeliveryError
	if err != nil && !errors.As(err, &de) {
		s.writeServiceError(w, r, err)
		return
	}
	body := sendBody(res)
	if de != nil {
		body["error"] = map[string]any{
			"code":    "DELIVERY_FAILED",
			"message": "the sign link could not be delivered; resend when the channel recovers",
			"details": map[string]any{"soaId": de.SOAID},
		}
		status = http.StatusBadGateway
	}
	writeOK(w, r, status, body)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := ReadJSON(r, &req); err != nil {
		s.badJSON(w, r, err)
		return
	}
	params, err := req.params(s.actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.soa.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, map[string]any{"id": rec.ID, "soa": toSOAResponse(rec)})
}

func (s *Server) handleCreateAndSend(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := ReadJSON(r, &req); err != nil {
		s.badJSON(w, r, err)
		return
	}
	params, err := req.params(s.actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.soa.CreateAndSend(r.Context(), params)
	s.writeSendResult(w, r, http.StatusCreated, res, err)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	res, err := s.soa.Send(r.Context(), s.actor(r), chi.URLParam(r, "id"))
	s.writeSendResult(w, r, http.StatusOK, res, err)
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	res, err := s.soa.Resend(r.Context(), s.actor(r), chi.URLParam(r, "id"))
	s.writeSendResult(w, r, http.StatusOK, res, err)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if clientID == "" {
		s.writeServiceError(w, r, &soa.ValidationError{Field: "clientId", Reason: "required"})
		return
	}
	recs, err := s.soa.List(r.Context(), s.actor(r), clientID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]soaResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSOAResponse(rec))
	}
	writeOK(w, r, http.StatusOK, map[string]any{"soas": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.soa.Get(r.Context(), s.actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"soa": toSOAResponse(rec)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	tl, err := s.soa.Audit(r.Context(), s.actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, toAuditResponse(tl))
}

func (s *Server) handleCountersign(w http.ResponseWriter, r *http.Request) {
	var req countersignRequest
	if err := ReadJSON(r, &req); err != nil {
		s.badJSON(w, r, err)
		return
	}
	date, err := parseDate("appointmentDate", req.AppointmentDate)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.soa.Countersign(r.Context(), soa.CountersignParams{
		ActorID:              s.actor(r),
		SOAID:                chi.URLParam(r, "id"),
		TypedSignature:       req.TypedSignature,
		InitialContactMethod: req.InitialContactMethod,
		AppointmentDate:      date,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"soa": toSOAResponse(rec)})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := ReadJSON(r, &req); err != nil {
		s.badJSON(w, r, err)
		return
	}
	changes, err := req.changes()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.soa.Edit(r.Context(), soa.EditParams{
		ActorID: s.actor(r),
		SOAID:   chi.URLParam(r, "id"),
		Changes: changes,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	body := map[string]any{"soa": toSOAResponse(res.Record)}
	if res.Warning != "" {
		body["warning"] = res.Warning
	}
	writeOK(w, r, http.StatusOK, body)
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if r.ContentLength != 0 {
		if err := ReadJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			s.badJSON(w, r, err)
			return
		}
	}
	rec, err := s.soa.Void(r.Context(), s.actor(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"soa": toSOAResponse(rec)})
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	url, expires, err := s.soa.SignedURL(r.Context(), s.actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"url": url, "expiresAt": expires})
}

// handleGeneratePDF finalizes a countersigned record on demand. Records that
// are neither completed nor awaiting their PDF are a bad request here.
func (s *Server) handleGeneratePDF(w http.ResponseWriter, r *http.Request) {
	var req generatePDFRequest
	if err := ReadJSON(r, &req); err != nil {
		s.badJSON(w, r, err)
		return
	}
	if _, err := s.soa.Get(r.Context(), s.actor(r), req.SOAID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.soa.Finalize(r.Context(), req.SOAID)
	if err != nil {
		var te *soa.TransitionError
		if errors.As(err, &te) {
			WriteError(w, r, http.StatusBadRequest, "NOT_FINALIZABLE", "soa must be countersigned or completed", map[string]any{
				"status": string(te.From),
			})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	artifact, _ := rec.Artifact()
	writeOK(w, r, http.StatusOK, map[string]any{
		"soa":            toSOAResponse(rec),
		"artifactKey":    artifact.Key,
		"artifactDigest": artifact.Digest,
	})
}
