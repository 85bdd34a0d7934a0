package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFloatFields_KeepsFractionalSpend(t *testing.T) {
	data := map[string]string{
		"2026-08-30": "12.5",
		"2026-08-31": "3",
		"garbage":    "not-a-number",
	}

	out := parseFloatFields(data)

	assert.Equal(t, 12.5, out["2026-08-30"])
	assert.Equal(t, 3.0, out["2026-08-31"])
	assert.NotContains(t, out, "garbage")
}

func TestParseIntFields_SkipsMalformedValues(t *testing.T) {
	data := map[string]string{
		"invoice.paid:processed": "7",
		"broken":                 "7.5",
	}

	out := parseIntFields(data)

	assert.Equal(t, int64(7), out["invoice.paid:processed"])
	assert.NotContains(t, out, "broken")
}
