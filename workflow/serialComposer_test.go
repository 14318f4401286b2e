package workflow

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeLayout(t *testing.T) {
	c := NewSerialComposer("F01")

	serial, barcode, err := c.Compose("RM-1", "OP7", testDate, 42, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, "0F01-240305-000OP7-00003-00000007", serial)
	assert.Equal(t, "TRC1|F01|240305|OP7|3|7|42|RM-1", barcode)
}

func TestComposeIsDeterministic(t *testing.T) {
	c := NewSerialComposer("F01")
	s1, b1, err := c.Compose("FG-1", "OPA", testDate, 1000, 12, 99)
	require.NoError(t, err)
	s2, b2, err := c.Compose("FG-1", "OPA", testDate, 1000, 12, 99)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, b1, b2)
}

func TestBarcodeRoundTrip(t *testing.T) {
	c := NewSerialComposer("F9")
	cases := []struct {
		item, operator          string
		global, itemSeq, opSeq int64
	}{
		{"RM-1", "OP7", 1, 1, 1},
		{"IB-1", "A", 0, 0, 0},
		{"FG-100-X", "Z9Z9Z9", 987654321, 12345678, 99999},
		{"FG-1", "OP1", 5, 123456789, 123456},
	}
	for _, tc := range cases {
		serial, barcode, err := c.Compose(tc.item, tc.operator, testDate, tc.global, tc.itemSeq, tc.opSeq)
		require.NoError(t, err)

		id, err := DecodeBarcode(barcode)
		require.NoError(t, err)
		assert.Equal(t, tc.item, id.ItemCode)
		assert.Equal(t, tc.operator, id.OperatorCode)
		assert.Equal(t, "F9", id.FacilityCode)
		assert.Equal(t, tc.global, id.GlobalSeq)
		assert.Equal(t, tc.itemSeq, id.ItemSeq)
		assert.Equal(t, tc.opSeq, id.OperatorSeq)
		assert.True(t, id.Date.Equal(testDate))
		assert.Equal(t, serial, id.Serial())
		assert.Equal(t, barcode, id.Barcode())
	}
}

func TestSerialSortsByDayThenOperatorThenSequence(t *testing.T) {
	c := NewSerialComposer("F01")
	day2 := testDate.AddDate(0, 0, 1)
	type unit struct {
		operator string
		date     time.Time
		opSeq    int64
	}
	// chronological-then-operator order
	want := []unit{
		{"A", testDate, 1},
		{"A", testDate, 2},
		{"A", testDate, 10},
		{"OP7", testDate, 1},
		{"OP7", testDate, 2},
		{"A", day2, 1},
		{"OP7", day2, 1},
	}
	var ordered []string
	for i, u := range want {
		s, _, err := c.Compose("RM-1", u.operator, u.date, int64(i+1), int64(i+1), u.opSeq)
		require.NoError(t, err)
		ordered = append(ordered, s)
	}
	shuffled := make([]string, len(ordered))
	for i, s := range ordered {
		shuffled[len(ordered)-1-i] = s
	}
	sort.Strings(shuffled)
	assert.Equal(t, ordered, shuffled)
}

func TestComposeWidensOverflowingSequences(t *testing.T) {
	c := NewSerialComposer("F01")
	serial, _, err := c.Compose("RM-1", "OP7", testDate, 1, 123456789, 123456)
	require.NoError(t, err)
	assert.Equal(t, "0F01-240305-000OP7-123456-123456789", serial)
}

func TestPaddedCodesStayDistinct(t *testing.T) {
	c := NewSerialComposer("F01")
	seen := map[string]string{}
	for _, op := range []string{"A", "AA", "A0", "A00000", "1A", "10A"} {
		s, _, err := c.Compose("RM-1", op, testDate, 1, 1, 1)
		require.NoError(t, err)
		prev, dup := seen[s]
		require.False(t, dup, "%s and %s print the same serial %s", prev, op, s)
		seen[s] = op
	}
}

func TestComposeRejectsMalformedInput(t *testing.T) {
	good := NewSerialComposer("F01")
	cases := []struct {
		name     string
		composer SerialComposer
		item     string
		operator string
	}{
		{"empty item", good, "", "OP7"},
		{"lowercase item", good, "rm-1", "OP7"},
		{"leading hyphen", good, "-RM", "OP7"},
		{"separator in item", good, "RM|1", "OP7"},
		{"item too long", good, "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456", "OP7"},
		{"empty operator", good, "RM-1", ""},
		{"hyphen in operator", good, "RM-1", "OP-7"},
		{"operator too long", good, "RM-1", "OPERATOR"},
		{"leading zero operator", good, "RM-1", "0A"},
		{"leading zero facility", NewSerialComposer("0F1"), "RM-1", "OP7"},
		{"empty facility", NewSerialComposer(""), "RM-1", "OP7"},
		{"facility too long", NewSerialComposer("F0001"), "RM-1", "OP7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.composer.ValidateCodes(tc.item, tc.operator), ErrInvalidIdentityInput)
			_, _, err := tc.composer.Compose(tc.item, tc.operator, testDate, 1, 1, 1)
			require.ErrorIs(t, err, ErrInvalidIdentityInput)
		})
	}

	_, _, err := good.Compose("RM-1", "OP7", testDate, -1, 1, 1)
	require.ErrorIs(t, err, ErrInvalidIdentityInput)
	_, _, err = good.Compose("RM-1", "OP7", time.Time{}, 1, 1, 1)
	require.ErrorIs(t, err, ErrInvalidIdentityInput)
}

func TestDecodeBarcodeRejectsGarbage(t *testing.T) {
	for _, payload := range []string{
		"",
		"TRC1|F01|240305|OP7|3|7|42",
		"TRC2|F01|240305|OP7|3|7|42|RM-1",
		"TRC1|F01|240399|OP7|3|7|42|RM-1",
		"TRC1|F01|240305|OP7|x|7|42|RM-1",
		"TRC1|F01|240305|OP7|3|-7|42|RM-1",
		"TRC1|F01|240305|op7|3|7|42|RM-1",
		"TRC1|F01|240305|0OP7|3|7|42|RM-1",
	} {
		_, err := DecodeBarcode(payload)
		assert.ErrorIs(t, err, ErrInvalidIdentityInput, payload)
	}
}
