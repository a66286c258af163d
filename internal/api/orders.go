package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

// validateOrderRequest checks everything that must hold before a chain is
// built. Returns an empty string when the request is valid, otherwise the
// problem detail.
func validateOrderRequest(req *OrderRequest, scheme lifecycle.Scheme) string {
	if len(req.Recipients) == 0 {
		return "at least one recipient is required"
	}
	for i, rec := range req.Recipients {
		if rec.Email == "" && rec.Phone == "" {
			return fmt.Sprintf("recipient %d has neither email nor phone", i)
		}
	}

	if msg := validateTemplates(scheme, req.Email, req.SMS); msg != "" {
		return msg
	}

	for i, rem := range req.Reminders {
		if rem.DelayDays < 1 {
			return fmt.Sprintf("reminder %d: delay_days must be at least 1", i)
		}
		remScheme := scheme
		if rem.Scheme != "" {
			parsed, err := lifecycle.ParseScheme(rem.Scheme)
			if err != nil {
				return fmt.Sprintf("reminder %d: invalid scheme %q", i, rem.Scheme)
			}
			remScheme = parsed
		}
		// Reminders inherit the main templates when they carry none of
		// their own.
		email, sms := rem.Email, rem.SMS
		if email == nil {
			email = req.Email
		}
		if sms == nil {
			sms = req.SMS
		}
		if msg := validateTemplates(remScheme, email, sms); msg != "" {
			return fmt.Sprintf("reminder %d: %s", i, msg)
		}
	}

	return ""
}

// validateTemplates requires content for every channel the scheme may
// select. The preferred schemes can fall back to the other channel, so they
// need both.
func validateTemplates(scheme lifecycle.Scheme, email, sms *TemplateRequest) string {
	needsEmail := scheme != lifecycle.SchemeSMS
	needsSMS := scheme != lifecycle.SchemeEmail

	if needsEmail {
		if email == nil || email.Body == "" {
			return "email template with a body is required for scheme " + scheme.String()
		}
		if email.Subject == "" {
			return "email template requires a subject"
		}
	}
	if needsSMS {
		if sms == nil || sms.Body == "" {
			return "sms template with a body is required for scheme " + scheme.String()
		}
	}
	return ""
}

// buildOrderChain turns a validated request into the main order and its
// reminder orders. Every order of the chain shares the chain id and the
// recipient list; reminders shift the send time by their configured delay.
func buildOrderChain(req *OrderRequest, scheme lifecycle.Scheme, creator string) []*db.Order {
	chainID := uuid.New()

	requestedAt := time.Now()
	if req.RequestedSendAt != nil && req.RequestedSendAt.After(requestedAt) {
		requestedAt = *req.RequestedSendAt
	}

	main := &db.Order{
		ID:           uuid.New(),
		ShipmentID:   uuid.New(),
		ChainID:      chainID,
		ShipmentType: db.ShipmentTypeNotification,
		Creator:      creator,
		RequestedAt:  requestedAt,
		Scheme:       scheme,
		Status:       lifecycle.OrderRegistered,
		Templates:    buildTemplates(req.Email, req.SMS),
		Recipients:   buildRecipients(req.Recipients),
	}
	if req.IdempotencyID != "" {
		key := req.IdempotencyID
		main.IdempotencyKey = &key
	}
	if req.SendersReference != "" {
		ref := req.SendersReference
		main.SendersReference = &ref
	}

	orders := []*db.Order{main}

	for i, rem := range req.Reminders {
		remScheme := scheme
		if rem.Scheme != "" {
			// Validated earlier; an error here cannot happen.
			remScheme, _ = lifecycle.ParseScheme(rem.Scheme)
		}
		email, sms := rem.Email, rem.SMS
		if email == nil {
			email = req.Email
		}
		if sms == nil {
			sms = req.SMS
		}

		reminder := &db.Order{
			ID:               uuid.New(),
			ShipmentID:       uuid.New(),
			ChainID:          chainID,
			ShipmentType:     db.ShipmentTypeReminder,
			Creator:          creator,
			SendersReference: main.SendersReference,
			RequestedAt:      requestedAt.AddDate(0, 0, rem.DelayDays),
			Scheme:           remScheme,
			Status:           lifecycle.OrderRegistered,
			Templates:        buildTemplates(email, sms),
			Recipients:       buildRecipients(req.Recipients),
		}
		if req.IdempotencyID != "" {
			key := fmt.Sprintf("%s#reminder-%d", req.IdempotencyID, i+1)
			reminder.IdempotencyKey = &key
		}
		orders = append(orders, reminder)
	}

	return orders
}

func buildTemplates(email, sms *TemplateRequest) []db.Template {
	var templates []db.Template
	if email != nil {
		templates = append(templates, db.Template{
			Channel: lifecycle.ChannelEmail,
			Sender:  email.Sender,
			Subject: email.Subject,
			Body:    email.Body,
		})
	}
	if sms != nil {
		templates = append(templates, db.Template{
			Channel: lifecycle.ChannelSMS,
			Sender:  sms.Sender,
			Body:    sms.Body,
		})
	}
	return templates
}

func buildRecipients(reqs []RecipientRequest) []db.Recipient {
	recipients := make([]db.Recipient, 0, len(reqs))
	for _, r := range reqs {
		recipients = append(recipients, db.Recipient{
			ID:    uuid.New(),
			Email: r.Email,
			Phone: r.Phone,
		})
	}
	return recipients
}
