package badge

import (
	"strings"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
)

const (
	// AssertionVersion is the Open Badges assertion version produced.
	AssertionVersion = "0.5.0"

	issuedOnLayout = "2006-01-02"
)

// Issuer identifies the organisation vouching for a badge.
type Issuer struct {
	Origin  string `json:"origin"`
	Name    string `json:"name"`
	Org     string `json:"org"`
	Contact string `json:"contact"`
}

// AssertionBadge is the badge section of an assertion.
type AssertionBadge struct {
	Version     string `json:"version"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	Description string `json:"description"`
	Issuer      Issuer `json:"issuer"`
}

// Assertion is the public Open Badges 0.5 document for an issued badge.
type Assertion struct {
	Recipient string         `json:"recipient"`
	Salt      string         `json:"salt"`
	IssuedOn  string         `json:"issued_on"`
	Badge     AssertionBadge `json:"badge"`
}

// NewAssertion renders b as an assertion from issuer. Relative image
// paths are resolved against the issuer origin.
func NewAssertion(b *store.Badge, issuer Issuer) *Assertion {
	image := b.BadgeURL
	if strings.HasPrefix(image, "/") && issuer.Origin != "" {
		image = strings.TrimRight(issuer.Origin, "/") + image
	}

	return &Assertion{
		Recipient: b.Recipient,
		Salt:      b.Salt,
		IssuedOn:  b.Issued.UTC().Format(issuedOnLayout),
		Badge: AssertionBadge{
			Version:     AssertionVersion,
			Name:        b.Name,
			Image:       image,
			Description: b.Description,
			Issuer:      issuer,
		},
	}
}
