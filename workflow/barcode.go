package workflow

import (
	"strconv"
	"strings"
	"time"
)

const (
	barcodeVersion   = "TRC1"
	barcodeSeparator = "|"
	barcodeFields    = 8
)

// Barcode payload, codes unpadded:
//
//	TRC1|facility|YYMMDD|operator|operatorSeq|itemSeq|globalSeq|itemCode
func (id Identity) Barcode() string {
	return strings.Join([]string{
		barcodeVersion,
		id.FacilityCode,
		id.DateToken(),
		id.OperatorCode,
		strconv.FormatInt(id.OperatorSeq, 10),
		strconv.FormatInt(id.ItemSeq, 10),
		strconv.FormatInt(id.GlobalSeq, 10),
		id.ItemCode,
	}, barcodeSeparator)
}

// DecodeBarcode parses a scanned payload without touching storage.
// The production date comes back at midnight UTC.
func DecodeBarcode(payload string) (Identity, error) {
	invalid := func(reason string) error {
		return &IdentityInputError{Field: "barcode", Value: payload, Reason: reason}
	}

	parts := strings.Split(strings.TrimSpace(payload), barcodeSeparator)
	if len(parts) != barcodeFields {
		return Identity{}, invalid("has the wrong number of fields")
	}
	if parts[0] != barcodeVersion {
		return Identity{}, invalid("has an unsupported version")
	}

	date, err := time.Parse(dateTokenLayout, parts[2])
	if err != nil {
		return Identity{}, invalid("has a malformed date")
	}
	seqs := make([]int64, 3)
	for i, raw := range parts[4:7] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return Identity{}, invalid("has a malformed sequence")
		}
		seqs[i] = n
	}

	id := Identity{
		FacilityCode: parts[1],
		Date:         date,
		OperatorCode: parts[3],
		OperatorSeq:  seqs[0],
		ItemSeq:      seqs[1],
		GlobalSeq:    seqs[2],
		ItemCode:     parts[7],
	}
	if err := (SerialComposer{FacilityCode: id.FacilityCode}).ValidateCodes(id.ItemCode, id.OperatorCode); err != nil {
		return Identity{}, err
	}
	return id, nil
}
