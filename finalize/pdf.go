package finalize

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"soaflow/soa"
)

// SummaryRenderer writes a single-page text PDF in process. It stands in for
// the PDF service when none is configured.
type SummaryRenderer struct{}

func (SummaryRenderer) Render(_ context.Context, r soa.Record) ([]byte, error) {
	doc := newRenderRequest(r)
	lines := []string{
		"Scope of Sales Appointment Confirmation",
		"",
		"Reference: " + doc.SOAID,
		"Beneficiary: " + doc.BeneficiaryName,
		"Phone: " + doc.BeneficiaryPhone,
		"Address: " + doc.BeneficiaryAddress,
		"",
		"Products to be discussed:",
	}
	for _, p := range doc.Products {
		lines = append(lines, "  - "+p)
	}
	lines = append(lines,
		"",
		"Agent: "+doc.AgentName+"  NPN: "+doc.AgentNPN+"  Phone: "+doc.AgentPhone,
		"Initial contact method: "+doc.InitialContactMethod,
		"Appointment date: "+doc.AppointmentDate,
		"",
		"Signed by "+doc.SignerRole+": "+doc.ClientSignature+" at "+doc.ClientSignedAt,
	)
	if doc.RepresentativeName != "" {
		lines = append(lines, "Authorized representative: "+doc.RepresentativeName)
	}
	lines = append(lines, "Agent signature: "+doc.AgentSignature+" at "+doc.AgentSignedAt)
	return writePDF(lines), nil
}

func writePDF(lines []string) []byte {
	var content bytes.Buffer
	content.WriteString("BT\n/F1 11 Tf\n14 TL\n72 740 Td\n")
	for _, line := range lines {
		fmt.Fprintf(&content, "(%s) Tj T*\n", pdfEscape(line))
	}
	content.WriteString("ET")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return out.Bytes()
}

// pdfEscape keeps printable ASCII and escapes string delimiters.
func pdfEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20 || r > 0x7e:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
