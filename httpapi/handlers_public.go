package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"soaflow/soa"
)

func (s *Server) handlePublicRead(w http.ResponseWriter, r *http.Request) {
	view, err := s.soa.ReadByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writePublicError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"soa": toPublicResponse(view)})
}

func (s *Server) handlePublicSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := ReadJSON(r, &req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "The form could not be read. Please try again.", nil)
		return
	}
	view, err := s.soa.ClientSign(r.Context(), chi.URLParam(r, "token"), soa.ClientSignParams{
		TypedSignature:     req.TypedSignature,
		ProductsConfirmed:  req.ProductsConfirmed,
		BeneficiaryName:    req.BeneficiaryName,
		BeneficiaryPhone:   req.BeneficiaryPhone,
		BeneficiaryAddress: req.BeneficiaryAddress,
		SignerRole:         soa.SignerRole(req.SignerRole),
		RepresentativeName: req.RepresentativeName,
		IPAddress:          remoteKey(r),
		UserAgent:          r.UserAgent(),
	})
	if err != nil {
		s.writePublicError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{"soa": toPublicResponse(view)})
}
