package saml

import (
	"context"
	"time"
)

// Assertion is the decoded, signature-verified view of a single identity
// assertion. Times are UTC; zero times mean the bound was absent from the
// document.
type Assertion struct {
	ID           string
	InResponseTo string
	Subject      string
	Issuer       string
	Audience     string
	NotBefore    time.Time
	NotOnOrAfter time.Time
	Attributes   map[string][]string
}

// Commonly seen attribute names for the optional profile fields, covering
// both friendly names and the LDAP OID urns most IdPs emit.
var (
	DisplayNameAttributes = []string{"displayName", "urn:oid:2.16.840.1.113730.3.1.241"}
	GivenNameAttributes   = []string{"givenName", "urn:oid:2.5.4.42"}
	SurnameAttributes     = []string{"sn", "surname", "urn:oid:2.5.4.4"}
)

// Attribute returns the first value found under any of the given names.
func (a Assertion) Attribute(names ...string) (string, bool) {
	for _, name := range names {
		values, ok := a.Attributes[name]
		if !ok || len(values) == 0 {
			continue
		}
		return values[0], true
	}
	return "", false
}

// Decoder parses a base64-encoded assertion response and verifies its
// cryptographic signature against the issuer's trusted key material. A
// returned error means the document is structurally invalid or its
// signature did not verify; semantic policy checks (issuer, audience,
// validity window, replay, subject domain) are the caller's concern.
type Decoder interface {
	DecodeResponse(ctx context.Context, encodedResponse string) (Assertion, error)
}
