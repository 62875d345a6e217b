package soa

import (
	"context"
	"slices"
	"strings"
	"time"

	"soaflow/audit"
)

// Column names double as the keys of the edited entry's before/after maps.
const (
	fieldProducts           = "products_selected"
	fieldBeneficiaryName    = "beneficiary_name"
	fieldBeneficiaryPhone   = "beneficiary_phone"
	fieldBeneficiaryAddress = "beneficiary_address"
	fieldAgentName          = "agent_name"
	fieldAgentPhone         = "agent_phone"
	fieldAgentNPN           = "agent_npn"
	fieldLanguage           = "language"
	fieldContactMethod      = "initial_contact_method"
	fieldAppointmentDate    = "appointment_date"
	fieldDeliveryAddress    = "delivery_address"
	fieldClientSignature    = "client_typed_signature"
)

var apiFieldNames = map[string]string{
	fieldProducts:           "productsSelected",
	fieldBeneficiaryName:    "beneficiaryName",
	fieldBeneficiaryPhone:   "beneficiaryPhone",
	fieldBeneficiaryAddress: "beneficiaryAddress",
	fieldAgentName:          "agentName",
	fieldAgentPhone:         "agentPhone",
	fieldAgentNPN:           "agentNpn",
	fieldLanguage:           "language",
	fieldContactMethod:      "initialContactMethod",
	fieldAppointmentDate:    "appointmentDate",
	fieldDeliveryAddress:    "deliveryAddress",
	fieldClientSignature:    "clientTypedSignature",
}

var (
	unsignedEditable = map[string]bool{
		fieldProducts:           true,
		fieldBeneficiaryName:    true,
		fieldBeneficiaryPhone:   true,
		fieldBeneficiaryAddress: true,
		fieldAgentName:          true,
		fieldAgentPhone:         true,
		fieldAgentNPN:           true,
		fieldLanguage:           true,
		fieldContactMethod:      true,
		fieldAppointmentDate:    true,
		fieldDeliveryAddress:    true,
	}
	signedEditable = map[string]bool{
		fieldAgentName:       true,
		fieldAppointmentDate: true,
		fieldContactMethod:   true,
	}
	warnAfterCompletion = map[string]bool{
		fieldAppointmentDate: true,
		fieldContactMethod:   true,
	}
)

// editableFields returns the allow-list for s. Callers check Next first, so
// voided and expired never reach here.
func editableFields(s Status) map[string]bool {
	switch s {
	case StatusClientSigned, StatusCompleted:
		return signedEditable
	default:
		return unsignedEditable
	}
}

// EditChanges holds the requested values. Nil means leave alone.
type EditChanges struct {
	ProductsSelected     []string
	BeneficiaryName      *string
	BeneficiaryPhone     *string
	BeneficiaryAddress   *string
	AgentName            *string
	AgentPhone           *string
	AgentNPN             *string
	Language             *string
	InitialContactMethod *string
	AppointmentDate      *time.Time
	DeliveryAddress      *string
	ClientTypedSignature *string
}

type EditParams struct {
	ActorID string
	SOAID   string
	Changes EditChanges
}

type EditResult struct {
	Record  Record
	Warning string
}

type fieldChange struct {
	field  string
	before any
	after  any
	apply  func(*Record)
}

func stringChange(field, current string, requested *string, set func(*Record, string)) *fieldChange {
	if requested == nil {
		return nil
	}
	v := strings.TrimSpace(*requested)
	if v == current {
		return nil
	}
	return &fieldChange{field: field, before: current, after: v, apply: func(r *Record) { set(r, v) }}
}

// diff lists the fields the request would actually change. Values equal to
// what is stored are ignored, so resubmitting a full form is harmless.
func (c EditChanges) diff(r Record) ([]fieldChange, error) {
	var out []fieldChange
	add := func(fc *fieldChange) {
		if fc != nil {
			out = append(out, *fc)
		}
	}

	if c.ProductsSelected != nil {
		products, err := normalizeProducts(apiFieldNames[fieldProducts], c.ProductsSelected, r.Status != StatusDraft)
		if err != nil {
			return nil, err
		}
		if !sameProducts(products, r.ProductsSelected) {
			before := append([]string(nil), r.ProductsSelected...)
			out = append(out, fieldChange{field: fieldProducts, before: before, after: products, apply: func(r *Record) { r.ProductsSelected = products }})
		}
	}
	add(stringChange(fieldBeneficiaryName, r.BeneficiaryName, c.BeneficiaryName, func(r *Record, v string) { r.BeneficiaryName = v }))
	add(stringChange(fieldBeneficiaryPhone, r.BeneficiaryPhone, c.BeneficiaryPhone, func(r *Record, v string) { r.BeneficiaryPhone = v }))
	add(stringChange(fieldBeneficiaryAddress, r.BeneficiaryAddress, c.BeneficiaryAddress, func(r *Record, v string) { r.BeneficiaryAddress = v }))
	add(stringChange(fieldAgentName, r.AgentName, c.AgentName, func(r *Record, v string) { r.AgentName = v }))
	add(stringChange(fieldAgentPhone, r.AgentPhone, c.AgentPhone, func(r *Record, v string) { r.AgentPhone = v }))
	add(stringChange(fieldAgentNPN, r.AgentNPN, c.AgentNPN, func(r *Record, v string) { r.AgentNPN = v }))
	add(stringChange(fieldLanguage, r.Language, c.Language, func(r *Record, v string) { r.Language = v }))
	add(stringChange(fieldContactMethod, r.InitialContactMethod, c.InitialContactMethod, func(r *Record, v string) { r.InitialContactMethod = v }))
	add(stringChange(fieldDeliveryAddress, r.DeliveryAddress, c.DeliveryAddress, func(r *Record, v string) { r.DeliveryAddress = v }))

	if date := dateOnly(c.AppointmentDate); date != nil {
		if r.AppointmentDate == nil || !r.AppointmentDate.Equal(*date) {
			out = append(out, fieldChange{
				field:  fieldAppointmentDate,
				before: formatDate(r.AppointmentDate),
				after:  formatDate(date),
				apply:  func(r *Record) { r.AppointmentDate = date },
			})
		}
	}

	if c.ClientTypedSignature != nil {
		var current string
		if r.ClientTypedSignature != nil {
			current = *r.ClientTypedSignature
		}
		if strings.TrimSpace(*c.ClientTypedSignature) != current {
			return nil, invalid(apiFieldNames[fieldClientSignature], "client signature can never be edited")
		}
	}

	return out, nil
}

func sameProducts(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Edit changes content fields within the allow-list for the record's status.
// Editing a completed record's appointment details succeeds with a warning.
func (s *Service) Edit(ctx context.Context, params EditParams) (EditResult, error) {
	if !validID(params.SOAID) {
		return EditResult{}, ErrNotFound
	}
	who := agentActor(params.ActorID)
	var warning string

	rec, err := s.transact(ctx, EventEdit, who, s.byID(params.SOAID), func(ctx context.Context, t *txn, rec *Record) error {
		to, err := Next(*rec, EventEdit)
		if err != nil {
			return err
		}
		changes, err := params.Changes.diff(*rec)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return invalid("changes", "no fields changed")
		}

		allowed := editableFields(rec.Status)
		for _, c := range changes {
			if !allowed[c.field] {
				return invalid(apiFieldNames[c.field], "cannot be edited once the client has signed")
			}
			if after, ok := c.after.(string); ok && after == "" {
				switch c.field {
				case fieldAgentName, fieldLanguage:
					return invalid(apiFieldNames[c.field], "cannot be blank")
				case fieldAgentNPN, fieldBeneficiaryName:
					if rec.Status != StatusDraft {
						return invalid(apiFieldNames[c.field], "cannot be blank after send")
					}
				}
			}
		}

		before := make(map[string]any, len(changes))
		after := make(map[string]any, len(changes))
		fields := make([]string, 0, len(changes))
		for _, c := range changes {
			c.apply(rec)
			before[c.field] = c.before
			after[c.field] = c.after
			fields = append(fields, c.field)
			if rec.Status == StatusCompleted && warnAfterCompletion[c.field] {
				warning = "appointment details changed after completion; confirm compliance implications"
			}
		}
		// a draft is checked when it is sent; a live link must stay resendable
		if rec.Status != StatusDraft && slices.Contains(fields, fieldDeliveryAddress) {
			if err := validateDeliveryAddress(*rec); err != nil {
				return err
			}
		}
		rec.Status = to

		meta := map[string]any{
			"fields": fields,
			"before": before,
			"after":  after,
		}
		if warning != "" {
			meta["warning"] = warning
		}
		return s.record(ctx, t, *rec, audit.ActionEdited, who, meta)
	})
	if err != nil {
		return EditResult{}, err
	}
	return EditResult{Record: rec, Warning: warning}, nil
}
