package saml

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"
)

var (
	ErrNoCertificates = errors.New("saml decoder: at least one identity provider certificate is required")
	ErrNoAssertion    = errors.New("saml decoder: response contains no assertion")
)

type DecoderConfig struct {
	// IdentityProviderIssuer is the entity ID of the trusted issuer.
	IdentityProviderIssuer string
	// ServiceProviderIssuer is this service's registered entity ID.
	ServiceProviderIssuer string
	// AudienceURI defaults to ServiceProviderIssuer when empty.
	AudienceURI string
	// IdentityProviderCertificates holds the issuer's signing certificates.
	IdentityProviderCertificates []*x509.Certificate
}

// ServiceProviderDecoder verifies and decodes assertion responses using the
// issuer's published signing certificates. It performs no policy checks of
// its own beyond signature verification; gosaml2's own time/audience
// warnings are discarded so the validator can apply its configured clock
// skew and audience rules uniformly.
type ServiceProviderDecoder struct {
	sp *saml2.SAMLServiceProvider
}

var _ Decoder = (*ServiceProviderDecoder)(nil)

func NewServiceProviderDecoder(config DecoderConfig) (*ServiceProviderDecoder, error) {
	if len(config.IdentityProviderCertificates) == 0 {
		return nil, ErrNoCertificates
	}

	audience := config.AudienceURI
	if audience == "" {
		audience = config.ServiceProviderIssuer
	}

	certStore := &dsig.MemoryX509CertificateStore{
		Roots: config.IdentityProviderCertificates,
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderIssuer: config.IdentityProviderIssuer,
		ServiceProviderIssuer:  config.ServiceProviderIssuer,
		AudienceURI:            audience,
		IDPCertificateStore:    certStore,
		AllowMissingAttributes: true,
	}

	return &ServiceProviderDecoder{sp: sp}, nil
}

func (d *ServiceProviderDecoder) DecodeResponse(ctx context.Context, encodedResponse string) (Assertion, error) {
	if d == nil || d.sp == nil {
		return Assertion{}, errors.New("saml decoder: not initialized")
	}
	if err := ctx.Err(); err != nil {
		return Assertion{}, err
	}

	info, err := d.sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return Assertion{}, fmt.Errorf("saml decoder: verify response: %w", err)
	}
	if len(info.Assertions) == 0 {
		return Assertion{}, ErrNoAssertion
	}

	raw := info.Assertions[0]

	decoded := Assertion{
		ID:         raw.ID,
		Subject:    info.NameID,
		Attributes: flattenAttributes(info.Values),
	}
	if raw.Issuer != nil {
		decoded.Issuer = strings.TrimSpace(raw.Issuer.Value)
	}
	if raw.Conditions != nil {
		decoded.Audience = firstAudience(raw.Conditions)
		decoded.NotBefore = parseAssertionTime(raw.Conditions.NotBefore)
		decoded.NotOnOrAfter = parseAssertionTime(raw.Conditions.NotOnOrAfter)
	}
	decoded.InResponseTo = subjectInResponseTo(raw)

	return decoded, nil
}

func flattenAttributes(values saml2.Values) map[string][]string {
	attrs := make(map[string][]string, len(values))
	for _, attr := range values {
		name := attr.Name
		if name == "" {
			name = attr.FriendlyName
		}
		if name == "" {
			continue
		}
		for _, value := range attr.Values {
			attrs[name] = append(attrs[name], value.Value)
		}
		if attr.FriendlyName != "" && attr.FriendlyName != name {
			attrs[attr.FriendlyName] = attrs[name]
		}
	}
	return attrs
}

func firstAudience(conditions *types.Conditions) string {
	for _, restriction := range conditions.AudienceRestrictions {
		for _, audience := range restriction.Audiences {
			value := strings.TrimSpace(audience.Value)
			if value != "" {
				return value
			}
		}
	}
	return ""
}

func subjectInResponseTo(assertion types.Assertion) string {
	if assertion.Subject == nil || assertion.Subject.SubjectConfirmation == nil {
		return ""
	}
	data := assertion.Subject.SubjectConfirmation.SubjectConfirmationData
	if data == nil {
		return ""
	}
	return data.InResponseTo
}

// parseAssertionTime parses an xsd:dateTime bound. Malformed or absent
// bounds come back zero; the validator treats a zero bound as unbounded.
func parseAssertionTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

// ParseCertificatesPEM extracts all certificates from PEM data, for loading
// issuer key material from disk or configuration.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("saml decoder: parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}
