package extract

// Fields contains the structured values recognized in a document's text
type Fields struct {
	FullText        string   `json:"fullText"`
	Dates           []string `json:"dates"`
	Amounts         []string `json:"amounts"`
	WarrantyPeriods []string `json:"warrantyPeriods"`
	Phones          []string `json:"phones"`
	Emails          []string `json:"emails"`
	GSTNumbers      []string `json:"gstNumbers"`
	InvoiceNumbers  []string `json:"invoiceNumbers"`
}

// Field identifies one kind of extracted value
type Field string

const (
	FieldDates           Field = "dates"
	FieldAmounts         Field = "amounts"
	FieldWarrantyPeriods Field = "warrantyPeriods"
	FieldPhones          Field = "phones"
	FieldEmails          Field = "emails"
	FieldGSTNumbers      Field = "gstNumbers"
	FieldInvoiceNumbers  Field = "invoiceNumbers"
)

// slot returns the slice in f that holds values for field
func (f *Fields) slot(field Field) *[]string {
	switch field {
	case FieldDates:
		return &f.Dates
	case FieldAmounts:
		return &f.Amounts
	case FieldWarrantyPeriods:
		return &f.WarrantyPeriods
	case FieldPhones:
		return &f.Phones
	case FieldEmails:
		return &f.Emails
	case FieldGSTNumbers:
		return &f.GSTNumbers
	case FieldInvoiceNumbers:
		return &f.InvoiceNumbers
	}
	return nil
}

// Values returns the extracted values for a field
func (f *Fields) Values(field Field) []string {
	if s := f.slot(field); s != nil {
		return *s
	}
	return nil
}
