package lifecycle

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	both := ContactPoints{Email: "user@example.com", Phone: "+4799999999"}
	emailOnly := ContactPoints{Email: "user@example.com"}
	phoneOnly := ContactPoints{Phone: "+4799999999"}
	neither := ContactPoints{}

	tests := []struct {
		name    string
		scheme  Scheme
		cp      ContactPoints
		want    []Channel
		wantErr bool
	}{
		{"email with email", SchemeEmail, emailOnly, []Channel{ChannelEmail}, false},
		{"email without email", SchemeEmail, phoneOnly, nil, true},
		{"sms with phone", SchemeSMS, phoneOnly, []Channel{ChannelSMS}, false},
		{"sms without phone", SchemeSMS, emailOnly, nil, true},
		{"email preferred with both", SchemeEmailPreferred, both, []Channel{ChannelEmail}, false},
		{"email preferred falls back to sms", SchemeEmailPreferred, phoneOnly, []Channel{ChannelSMS}, false},
		{"email preferred with neither", SchemeEmailPreferred, neither, nil, true},
		{"sms preferred with both", SchemeSMSPreferred, both, []Channel{ChannelSMS}, false},
		{"sms preferred falls back to email", SchemeSMSPreferred, emailOnly, []Channel{ChannelEmail}, false},
		{"email and sms with both", SchemeEmailAndSMS, both, []Channel{ChannelEmail, ChannelSMS}, false},
		{"email and sms missing phone", SchemeEmailAndSMS, emailOnly, nil, true},
		{"email and sms missing email", SchemeEmailAndSMS, phoneOnly, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.scheme, tt.cp)
			if tt.wantErr {
				if !errors.Is(err, ErrRecipientNotIdentified) {
					t.Fatalf("expected ErrRecipientNotIdentified, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("channel %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDestination(t *testing.T) {
	cp := ContactPoints{Email: "user@example.com", Phone: "+4799999999"}
	if cp.Destination(ChannelEmail) != "user@example.com" {
		t.Error("email destination mismatch")
	}
	if cp.Destination(ChannelSMS) != "+4799999999" {
		t.Error("sms destination mismatch")
	}
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("Email_And_SMS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != SchemeEmailAndSMS {
		t.Errorf("got %s", s)
	}
	if _, err := ParseScheme("carrier_pigeon"); err == nil {
		t.Error("expected error for unknown scheme")
	}
}
