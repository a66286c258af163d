package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// Scheme is the requested channel selection strategy for an order.
type Scheme string

const (
	SchemeEmail          Scheme = "email"
	SchemeSMS            Scheme = "sms"
	SchemeEmailPreferred Scheme = "email_preferred"
	SchemeSMSPreferred   Scheme = "sms_preferred"
	SchemeEmailAndSMS    Scheme = "email_and_sms"
)

func (s Scheme) String() string { return string(s) }

func (s Scheme) IsValid() bool {
	switch s {
	case SchemeEmail, SchemeSMS, SchemeEmailPreferred, SchemeSMSPreferred, SchemeEmailAndSMS:
		return true
	}
	return false
}

func ParseScheme(s string) (Scheme, error) {
	sc := Scheme(strings.ToLower(strings.TrimSpace(s)))
	if !sc.IsValid() {
		return "", fmt.Errorf("invalid channel scheme %q", s)
	}
	return sc, nil
}

// PrimaryChannel is the channel a scheme prefers or requires; used when a
// recipient cannot be resolved at all and a placeholder delivery record is
// needed.
func (s Scheme) PrimaryChannel() Channel {
	switch s {
	case SchemeSMS, SchemeSMSPreferred:
		return ChannelSMS
	}
	return ChannelEmail
}

// ErrRecipientNotIdentified indicates the recipient lacks the contact
// point(s) the scheme requires.
var ErrRecipientNotIdentified = errors.New("recipient not identified: required contact point missing")

// ContactPoints holds the resolved addresses for one recipient. Either field
// may be empty.
type ContactPoints struct {
	Email string
	Phone string
}

// Destination returns the address used on the given channel.
func (cp ContactPoints) Destination(c Channel) string {
	if c == ChannelEmail {
		return cp.Email
	}
	return cp.Phone
}

// Resolve decides which concrete channels a recipient's notifications will
// use. EmailAndSMS yields two independent deliveries; the preferred schemes
// fall back to the other channel when the preferred contact point is absent.
func Resolve(s Scheme, cp ContactPoints) ([]Channel, error) {
	hasEmail := cp.Email != ""
	hasPhone := cp.Phone != ""

	switch s {
	case SchemeEmail:
		if !hasEmail {
			return nil, ErrRecipientNotIdentified
		}
		return []Channel{ChannelEmail}, nil
	case SchemeSMS:
		if !hasPhone {
			return nil, ErrRecipientNotIdentified
		}
		return []Channel{ChannelSMS}, nil
	case SchemeEmailPreferred:
		switch {
		case hasEmail:
			return []Channel{ChannelEmail}, nil
		case hasPhone:
			return []Channel{ChannelSMS}, nil
		}
		return nil, ErrRecipientNotIdentified
	case SchemeSMSPreferred:
		switch {
		case hasPhone:
			return []Channel{ChannelSMS}, nil
		case hasEmail:
			return []Channel{ChannelEmail}, nil
		}
		return nil, ErrRecipientNotIdentified
	case SchemeEmailAndSMS:
		if !hasEmail || !hasPhone {
			return nil, ErrRecipientNotIdentified
		}
		return []Channel{ChannelEmail, ChannelSMS}, nil
	}
	return nil, fmt.Errorf("invalid channel scheme %q", s)
}
