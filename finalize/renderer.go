// Package finalize renders executed SOAs to PDF, stores them, and retries
// finalization through Temporal.
package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"soaflow/soa"
)

// Renderer turns a countersigned record into PDF bytes. Output must depend
// only on the record so a retried render stores the same document.
type Renderer interface {
	Render(ctx context.Context, r soa.Record) ([]byte, error)
}

// renderRequest is the document model sent to the PDF service.
type renderRequest struct {
	Template             string   `json:"template"`
	SOAID                string   `json:"soa_id"`
	Language             string   `json:"language"`
	Products             []string `json:"products"`
	BeneficiaryName      string   `json:"beneficiary_name"`
	BeneficiaryPhone     string   `json:"beneficiary_phone"`
	BeneficiaryAddress   string   `json:"beneficiary_address"`
	AgentName            string   `json:"agent_name"`
	AgentPhone           string   `json:"agent_phone"`
	AgentNPN             string   `json:"agent_npn"`
	InitialContactMethod string   `json:"initial_contact_method"`
	AppointmentDate      string   `json:"appointment_date,omitempty"`
	ClientSignature      string   `json:"client_signature"`
	ClientSignedAt       string   `json:"client_signed_at"`
	SignerRole           string   `json:"signer_role"`
	RepresentativeName   string   `json:"representative_name,omitempty"`
	AgentSignature       string   `json:"agent_signature"`
	AgentSignedAt        string   `json:"agent_signed_at"`
}

func newRenderRequest(r soa.Record) renderRequest {
	req := renderRequest{
		Template:             "scope-of-appointment",
		SOAID:                r.ID,
		Language:             r.Language,
		BeneficiaryName:      r.BeneficiaryName,
		BeneficiaryPhone:     r.BeneficiaryPhone,
		BeneficiaryAddress:   r.BeneficiaryAddress,
		AgentName:            r.AgentName,
		AgentPhone:           r.AgentPhone,
		AgentNPN:             r.AgentNPN,
		InitialContactMethod: r.InitialContactMethod,
		ClientSignature:      deref(r.ClientTypedSignature),
		ClientSignedAt:       stamp(r.ClientSignedAt),
		RepresentativeName:   deref(r.RepresentativeName),
		AgentSignature:       deref(r.AgentTypedSignature),
		AgentSignedAt:        stamp(r.AgentSignedAt),
		SignerRole:           string(soa.SignerBeneficiary),
	}
	for _, code := range r.ProductsSelected {
		req.Products = append(req.Products, soa.ProductLabel(code))
	}
	if r.AppointmentDate != nil {
		req.AppointmentDate = r.AppointmentDate.Format(time.DateOnly)
	}
	if r.ClientSignerRole != nil {
		req.SignerRole = string(*r.ClientSignerRole)
	}
	return req
}

// HTTPRenderer posts the document model to an external PDF service.
type HTTPRenderer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRenderer(baseURL string, client *http.Client) *HTTPRenderer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRenderer{endpoint: strings.TrimRight(baseURL, "/") + "/render", client: client}
}

func (h *HTTPRenderer) Render(ctx context.Context, r soa.Record) ([]byte, error) {
	body, err := json.Marshal(newRenderRequest(r))
	if err != nil {
		return nil, fmt.Errorf("finalize: marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("finalize: build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finalize: render: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("finalize: render: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	pdf, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("finalize: read rendered pdf: %w", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, fmt.Errorf("finalize: render: response is not a PDF")
	}
	return pdf, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
