package auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Attribute names exposed by a verified Google identity.
const (
	GoogleAttributeSubject = "sub"
	GoogleAttributeEmail   = "email"
	GoogleAttributeName    = "name"
	GoogleAttributePicture = "picture"
	GoogleAttributeDomain  = "hd"
)

// GoogleIdentity is the account asserted by a verified Google ID token.
type GoogleIdentity struct {
	Subject      string
	Email        string
	Name         string
	Picture      string
	HostedDomain string
	Issuer       string
	Audience     string
	ExpiresAt    time.Time
}

// Attribute returns the identity value stored under name. Empty values report absent.
func (i GoogleIdentity) Attribute(name string) (string, bool) {
	var value string
	switch name {
	case GoogleAttributeSubject:
		value = i.Subject
	case GoogleAttributeEmail:
		value = i.Email
	case GoogleAttributeName:
		value = i.Name
	case GoogleAttributePicture:
		value = i.Picture
	case GoogleAttributeDomain:
		value = i.HostedDomain
	}
	return value, value != ""
}

// googleBool decodes email_verified, which older Google tokens carry as a string.
type googleBool bool

func (b *googleBool) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case bool:
		*b = googleBool(value)
	case string:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("email_verified: %w", err)
		}
		*b = googleBool(parsed)
	case nil:
		*b = false
	default:
		return fmt.Errorf("email_verified: unexpected type %T", raw)
	}
	return nil
}
