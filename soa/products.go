package soa

import "strings"

// Product is one line of business an SOA can scope.
type Product struct {
	Code  string
	Label string
}

// Products is the catalogue offered on the form.
var Products = []Product{
	{Code: "part_c", Label: "Medicare Advantage (Part C)"},
	{Code: "part_d", Label: "Stand-alone Prescription Drug Plan (Part D)"},
	{Code: "medicare_supplement", Label: "Medicare Supplement (Medigap)"},
	{Code: "dental_vision_hearing", Label: "Dental, Vision and Hearing"},
	{Code: "hospital_indemnity", Label: "Hospital Indemnity"},
	{Code: "final_expense", Label: "Final Expense Life"},
}

func knownProduct(code string) bool {
	_, ok := productLabel(code)
	return ok
}

func productLabel(code string) (string, bool) {
	for _, p := range Products {
		if p.Code == code {
			return p.Label, true
		}
	}
	return "", false
}

// ProductLabel returns the display label for code, or code itself when unknown.
func ProductLabel(code string) string {
	if label, ok := productLabel(code); ok {
		return label
	}
	return code
}

// normalizeProducts trims and de-duplicates codes, keeping first-seen order.
func normalizeProducts(field string, codes []string, required bool) ([]string, error) {
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if !knownProduct(c) {
			return nil, invalid(field, "unknown product "+c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if required && len(out) == 0 {
		return nil, invalid(field, "at least one product required")
	}
	return out, nil
}
