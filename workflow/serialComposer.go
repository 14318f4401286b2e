package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Serial layout, every field fixed width:
//
//	FFFF-YYMMDD-OOOOOO-NNNNN-IIIIIIII
//	facility, production date, operator, operator-day seq, item seq
//
// Within one facility the serials sort by day, then operator, then the
// operator's own production order. A sequence that outgrows its width is
// printed with extra digits rather than truncated. Codes are left-padded with
// zeros, so they may not start with one.
const (
	facilityCodeWidth = 4
	operatorCodeWidth = 6
	operatorSeqWidth  = 5
	itemSeqWidth      = 8
	dateTokenLayout   = "060102"
	maxItemCodeLength = 32
)

var (
	facilityCodePattern = regexp.MustCompile(`^[A-Z1-9][A-Z0-9]{0,3}$`)
	operatorCodePattern = regexp.MustCompile(`^[A-Z1-9][A-Z0-9]{0,5}$`)
	itemCodePattern     = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{0,31}$`)
)

// SerialComposer turns allocated sequences into the printed identity of a unit.
// It is pure: no I/O, same input same output.
type SerialComposer struct {
	FacilityCode string
}

func NewSerialComposer(facilityCode string) SerialComposer {
	return SerialComposer{FacilityCode: facilityCode}
}

// ValidateCodes checks everything Compose needs except the sequences. Callers
// run it before allocating so bad input never burns counter values.
func (c SerialComposer) ValidateCodes(itemCode, operatorCode string) error {
	if !facilityCodePattern.MatchString(c.FacilityCode) {
		return &IdentityInputError{Field: "facility code", Value: c.FacilityCode, Reason: "must be 1-4 of A-Z0-9 without a leading 0"}
	}
	if !operatorCodePattern.MatchString(operatorCode) {
		return &IdentityInputError{Field: "operator code", Value: operatorCode, Reason: "must be 1-6 of A-Z0-9 without a leading 0"}
	}
	if !itemCodePattern.MatchString(itemCode) {
		return &IdentityInputError{Field: "item code", Value: itemCode, Reason: fmt.Sprintf("must be 1-%d of A-Z0-9 and inner hyphens", maxItemCodeLength)}
	}
	return nil
}

// Compose returns the serial number and barcode payload of one unit.
func (c SerialComposer) Compose(itemCode, operatorCode string, date time.Time, globalSeq, itemSeq, operatorSeq int64) (string, string, error) {
	if err := c.ValidateCodes(itemCode, operatorCode); err != nil {
		return "", "", err
	}
	if date.IsZero() {
		return "", "", &IdentityInputError{Field: "production date", Value: "", Reason: "is not set"}
	}
	for _, s := range []struct {
		name  string
		value int64
	}{{"global sequence", globalSeq}, {"item sequence", itemSeq}, {"operator sequence", operatorSeq}} {
		if s.value < 0 {
			return "", "", &IdentityInputError{Field: s.name, Value: fmt.Sprint(s.value), Reason: "is negative"}
		}
	}

	id := Identity{
		FacilityCode: c.FacilityCode,
		Date:         date,
		OperatorCode: operatorCode,
		OperatorSeq:  operatorSeq,
		ItemSeq:      itemSeq,
		GlobalSeq:    globalSeq,
		ItemCode:     itemCode,
	}
	return id.Serial(), id.Barcode(), nil
}

// Identity is everything a barcode carries.
type Identity struct {
	FacilityCode string    `json:"facility_code"`
	Date         time.Time `json:"date"`
	OperatorCode string    `json:"operator_code"`
	OperatorSeq  int64     `json:"operator_seq"`
	ItemSeq      int64     `json:"item_seq"`
	GlobalSeq    int64     `json:"global_seq"`
	ItemCode     string    `json:"item_code"`
}

func (id Identity) DateToken() string {
	return id.Date.Format(dateTokenLayout)
}

func (id Identity) Serial() string {
	return strings.Join([]string{
		padCode(id.FacilityCode, facilityCodeWidth),
		id.DateToken(),
		padCode(id.OperatorCode, operatorCodeWidth),
		fmt.Sprintf("%0*d", operatorSeqWidth, id.OperatorSeq),
		fmt.Sprintf("%0*d", itemSeqWidth, id.ItemSeq),
	}, "-")
}

func padCode(code string, width int) string {
	if len(code) >= width {
		return code
	}
	return strings.Repeat("0", width-len(code)) + code
}
