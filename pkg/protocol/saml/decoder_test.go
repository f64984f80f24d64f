package saml

import (
	"testing"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
)

func TestParseAssertionTime(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{name: "empty", value: "", want: time.Time{}},
		{name: "whitespace", value: "   ", want: time.Time{}},
		{name: "garbage", value: "not-a-time", want: time.Time{}},
		{
			name:  "utc",
			value: "2026-03-01T10:30:00Z",
			want:  time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "fractional seconds",
			value: "2026-03-01T10:30:00.250Z",
			want:  time.Date(2026, 3, 1, 10, 30, 0, 250_000_000, time.UTC),
		},
		{
			name:  "offset normalized to utc",
			value: "2026-03-01T12:30:00+02:00",
			want:  time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAssertionTime(tt.value)
			if !got.Equal(tt.want) {
				t.Fatalf("parseAssertionTime(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestFlattenAttributes(t *testing.T) {
	values := saml2.Values{
		"mail": types.Attribute{
			Name: "mail",
			Values: []types.AttributeValue{
				{Value: "clinician@example.com"},
			},
		},
		"urn:oid:2.5.4.42": types.Attribute{
			Name:         "urn:oid:2.5.4.42",
			FriendlyName: "givenName",
			Values: []types.AttributeValue{
				{Value: "Jordan"},
			},
		},
		"memberOf": types.Attribute{
			Name: "memberOf",
			Values: []types.AttributeValue{
				{Value: "staff"},
				{Value: "providers"},
			},
		},
	}

	attrs := flattenAttributes(values)

	if got := attrs["mail"]; len(got) != 1 || got[0] != "clinician@example.com" {
		t.Fatalf("mail attribute = %v", got)
	}
	if got := attrs["memberOf"]; len(got) != 2 {
		t.Fatalf("memberOf attribute = %v, want two values", got)
	}
	// Friendly name is aliased alongside the urn name.
	if got := attrs["givenName"]; len(got) != 1 || got[0] != "Jordan" {
		t.Fatalf("givenName alias = %v", got)
	}
	if got := attrs["urn:oid:2.5.4.42"]; len(got) != 1 || got[0] != "Jordan" {
		t.Fatalf("urn attribute = %v", got)
	}
}

func TestAssertionAttributeLookup(t *testing.T) {
	assertion := Assertion{
		Attributes: map[string][]string{
			"displayName": {"Dr. Jordan Reyes"},
			"sn":          {"Reyes"},
		},
	}

	if value, ok := assertion.Attribute(DisplayNameAttributes...); !ok || value != "Dr. Jordan Reyes" {
		t.Fatalf("display name lookup = %q, %v", value, ok)
	}
	if value, ok := assertion.Attribute(SurnameAttributes...); !ok || value != "Reyes" {
		t.Fatalf("surname lookup = %q, %v", value, ok)
	}
	if _, ok := assertion.Attribute(GivenNameAttributes...); ok {
		t.Fatal("expected given name lookup to miss")
	}
}
