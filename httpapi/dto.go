package httpapi

import (
	"strings"
	"time"

	"soaflow/audit"
	"soaflow/soa"
)

type soaResponse struct {
	ID                   string     `json:"id"`
	ClientID             string     `json:"clientId"`
	OrganizationID       string     `json:"organizationId"`
	AgentID              string     `json:"agentId"`
	Status               soa.Status `json:"status"`
	ProductsSelected     []string   `json:"productsSelected"`
	BeneficiaryName      string     `json:"beneficiaryName"`
	BeneficiaryPhone     string     `json:"beneficiaryPhone"`
	BeneficiaryAddress   string     `json:"beneficiaryAddress"`
	AgentName            string     `json:"agentName"`
	AgentPhone           string     `json:"agentPhone"`
	AgentNPN             string     `json:"agentNpn"`
	Language             string     `json:"language"`
	InitialContactMethod string     `json:"initialContactMethod"`
	AppointmentDate      *string    `json:"appointmentDate"`
	DeliveryMethod       string     `json:"deliveryMethod"`
	DeliveryAddress      string     `json:"deliveryAddress"`
	DeliveryStatus       string     `json:"deliveryStatus"`
	ClientTypedSignature *string    `json:"clientTypedSignature"`
	ClientSignedAt       *time.Time `json:"clientSignedAt"`
	ClientSignerRole     *string    `json:"clientSignerRole"`
	RepresentativeName   *string    `json:"representativeName"`
	AgentTypedSignature  *string    `json:"agentTypedSignature"`
	AgentSignedAt        *time.Time `json:"agentSignedAt"`
	ArtifactDigest       *string    `json:"artifactDigest"`
	CompletedAt          *time.Time `json:"completedAt"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	ExpiresAt            time.Time  `json:"expiresAt"`
}

func toSOAResponse(r soa.Record) soaResponse {
	resp := soaResponse{
		ID:                   r.ID,
		ClientID:             r.ClientID,
		OrganizationID:       r.OrganizationID,
		AgentID:              r.AgentID,
		Status:               r.Status,
		ProductsSelected:     nonNil(r.ProductsSelected),
		BeneficiaryName:      r.BeneficiaryName,
		BeneficiaryPhone:     r.BeneficiaryPhone,
		BeneficiaryAddress:   r.BeneficiaryAddress,
		AgentName:            r.AgentName,
		AgentPhone:           r.AgentPhone,
		AgentNPN:             r.AgentNPN,
		Language:             r.Language,
		InitialContactMethod: r.InitialContactMethod,
		AppointmentDate:      formatDate(r.AppointmentDate),
		DeliveryMethod:       string(r.DeliveryMethod),
		DeliveryAddress:      r.DeliveryAddress,
		DeliveryStatus:       string(r.DeliveryStatus),
		ClientTypedSignature: r.ClientTypedSignature,
		ClientSignedAt:       r.ClientSignedAt,
		RepresentativeName:   r.RepresentativeName,
		AgentTypedSignature:  r.AgentTypedSignature,
		AgentSignedAt:        r.AgentSignedAt,
		ArtifactDigest:       r.ArtifactDigest,
		CompletedAt:          r.CompletedAt,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		ExpiresAt:            r.ExpiresAt,
	}
	if r.ClientSignerRole != nil {
		role := string(*r.ClientSignerRole)
		resp.ClientSignerRole = &role
	}
	return resp
}

type productResponse struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// publicResponse is the client's view through a sign link.
type publicResponse struct {
	Status               soa.Status        `json:"status"`
	ProductsSelected     []string          `json:"productsSelected"`
	AvailableProducts    []productResponse `json:"availableProducts"`
	BeneficiaryName      string            `json:"beneficiaryName"`
	BeneficiaryPhone     string            `json:"beneficiaryPhone"`
	BeneficiaryAddress   string            `json:"beneficiaryAddress"`
	AgentName            string            `json:"agentName"`
	AgentPhone           string            `json:"agentPhone"`
	AgentNPN             string            `json:"agentNpn"`
	Language             string            `json:"language"`
	InitialContactMethod string            `json:"initialContactMethod"`
	AppointmentDate      *string           `json:"appointmentDate"`
	ClientSignedAt       *time.Time        `json:"clientSignedAt"`
	ClientSignerRole     *string           `json:"clientSignerRole"`
	ExpiresAt            time.Time         `json:"expiresAt"`
}

func toPublicResponse(v soa.PublicView) publicResponse {
	resp := publicResponse{
		Status:               v.Status,
		ProductsSelected:     nonNil(v.ProductsSelected),
		BeneficiaryName:      v.BeneficiaryName,
		BeneficiaryPhone:     v.BeneficiaryPhone,
		BeneficiaryAddress:   v.BeneficiaryAddress,
		AgentName:            v.AgentName,
		AgentPhone:           v.AgentPhone,
		AgentNPN:             v.AgentNPN,
		Language:             v.Language,
		InitialContactMethod: v.InitialContactMethod,
		AppointmentDate:      formatDate(v.AppointmentDate),
		ClientSignedAt:       v.ClientSignedAt,
		ExpiresAt:            v.ExpiresAt,
	}
	for _, p := range soa.Products {
		resp.AvailableProducts = append(resp.AvailableProducts, productResponse{Code: p.Code, Label: p.Label})
	}
	if v.ClientSignerRole != nil {
		role := string(*v.ClientSignerRole)
		resp.ClientSignerRole = &role
	}
	return resp
}

type auditEntryResponse struct {
	Seq       int             `json:"seq"`
	Action    audit.Action    `json:"action"`
	ActorID   *string         `json:"actorId"`
	ActorKind audit.ActorKind `json:"actorKind"`
	Metadata  map[string]any  `json:"metadata"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toAuditResponse(tl audit.Timeline) map[string]any {
	entries := make([]auditEntryResponse, 0, len(tl.Entries))
	for _, e := range tl.Entries {
		meta := e.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		entries = append(entries, auditEntryResponse{
			Seq:       e.Seq,
			Action:    e.Action,
			ActorID:   e.ActorID,
			ActorKind: e.ActorKind,
			Metadata:  meta,
			PrevHash:  e.PrevHash,
			Hash:      e.Hash,
			CreatedAt: e.CreatedAt,
		})
	}
	body := map[string]any{
		"entries":    entries,
		"chainValid": tl.ChainValid,
	}
	if !tl.ChainValid {
		body["brokenAtSeq"] = tl.BrokenAt
	}
	return body
}

type createRequest struct {
	ClientID             string   `json:"clientId"`
	ProductsSelected     []string `json:"productsSelected"`
	BeneficiaryName      string   `json:"beneficiaryName"`
	BeneficiaryPhone     string   `json:"beneficiaryPhone"`
	BeneficiaryAddress   string   `json:"beneficiaryAddress"`
	AgentName            string   `json:"agentName"`
	AgentPhone           string   `json:"agentPhone"`
	AgentNPN             string   `json:"agentNpn"`
	Language             string   `json:"language"`
	InitialContactMethod string   `json:"initialContactMethod"`
	AppointmentDate      *string  `json:"appointmentDate"`
	DeliveryMethod       string   `json:"deliveryMethod"`
	DeliveryAddress      string   `json:"deliveryAddress"`
}

func (c createRequest) params(actorID string) (soa.CreateParams, error) {
	date, err := parseDate("appointmentDate", c.AppointmentDate)
	if err != nil {
		return soa.CreateParams{}, err
	}
	return soa.CreateParams{
		ActorID:              actorID,
		ClientID:             strings.TrimSpace(c.ClientID),
		ProductsSelected:     c.ProductsSelected,
		BeneficiaryName:      c.BeneficiaryName,
		BeneficiaryPhone:     c.BeneficiaryPhone,
		BeneficiaryAddress:   c.BeneficiaryAddress,
		AgentName:            c.AgentName,
		AgentPhone:           c.AgentPhone,
		AgentNPN:             c.AgentNPN,
		Language:             c.Language,
		InitialContactMethod: c.InitialContactMethod,
		AppointmentDate:      date,
		DeliveryMethod:       soa.DeliveryMethod(strings.ToLower(strings.TrimSpace(c.DeliveryMethod))),
		DeliveryAddress:      c.DeliveryAddress,
	}, nil
}

type countersignRequest struct {
	TypedSignature       string  `json:"typedSignature"`
	InitialContactMethod string  `json:"initialContactMethod"`
	AppointmentDate      *string `json:"appointmentDate"`
}

type editRequest struct {
	ProductsSelected     []string `json:"productsSelected"`
	BeneficiaryName      *string  `json:"beneficiaryName"`
	BeneficiaryPhone     *string  `json:"beneficiaryPhone"`
	BeneficiaryAddress   *string  `json:"beneficiaryAddress"`
	AgentName            *string  `json:"agentName"`
	AgentPhone           *string  `json:"agentPhone"`
	AgentNPN             *string  `json:"agentNpn"`
	Language             *string  `json:"language"`
	InitialContactMethod *string  `json:"initialContactMethod"`
	AppointmentDate      *string  `json:"appointmentDate"`
	DeliveryAddress      *string  `json:"deliveryAddress"`
	ClientTypedSignature *string  `json:"clientTypedSignature"`
}

func (e editRequest) changes() (soa.EditChanges, error) {
	date, err := parseDate("appointmentDate", e.AppointmentDate)
	if err != nil {
		return soa.EditChanges{}, err
	}
	return soa.EditChanges{
		ProductsSelected:     e.ProductsSelected,
		BeneficiaryName:      e.BeneficiaryName,
		BeneficiaryPhone:     e.BeneficiaryPhone,
		BeneficiaryAddress:   e.BeneficiaryAddress,
		AgentName:            e.AgentName,
		AgentPhone:           e.AgentPhone,
		AgentNPN:             e.AgentNPN,
		Language:             e.Language,
		InitialContactMethod: e.InitialContactMethod,
		AppointmentDate:      date,
		DeliveryAddress:      e.DeliveryAddress,
		ClientTypedSignature: e.ClientTypedSignature,
	}, nil
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type generatePDFRequest struct {
	SOAID string `json:"soaId"`
}

type signRequest struct {
	TypedSignature     string   `json:"typedSignature"`
	ProductsConfirmed  []string `json:"productsConfirmed"`
	BeneficiaryName    string   `json:"beneficiaryName"`
	BeneficiaryPhone   string   `json:"beneficiaryPhone"`
	BeneficiaryAddress string   `json:"beneficiaryAddress"`
	SignerRole         string   `json:"signerRole"`
	RepresentativeName string   `json:"representativeName"`
}

func parseDate(field string, raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(*raw))
	if err != nil {
		return nil, &soa.ValidationError{Field: field, Reason: "must be a YYYY-MM-DD date"}
	}
	return &t, nil
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
