package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/larsjm/notiq/internal/lifecycle"
)

// GetDeliveryManifest composes the read-side view of a shipment: the order
// plus every delivery, reduced to per-recipient rows and a shipment-level
// status. Independent of the status feed.
func (r *Repository) GetDeliveryManifest(ctx context.Context, shipmentID uuid.UUID, creator string) (*Manifest, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE shipment_id = $1 AND creator = $2`,
		shipmentID, creator,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrShipmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	notifications, err := r.GetOrderNotifications(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	return composeManifest(o, notifications), nil
}

func composeManifest(o *Order, notifications []*Notification) *Manifest {
	m := &Manifest{
		ShipmentID:   o.ShipmentID,
		ShipmentType: o.ShipmentType,
		LastUpdated:  o.CreatedAt,
		Recipients:   make([]ManifestRecipient, 0, len(notifications)),
	}
	if o.SendersReference != nil {
		m.SendersReference = *o.SendersReference
	}

	results := make([]lifecycle.Result, 0, len(notifications))
	for _, n := range notifications {
		results = append(results, n.Result)
		m.Recipients = append(m.Recipients, ManifestRecipient{
			Destination: n.Destination,
			Status:      n.Result.String(),
			Description: n.Result.Description(),
			LastUpdate:  n.ResultAt,
		})
		if n.ResultAt.After(m.LastUpdated) {
			m.LastUpdated = n.ResultAt
		}
	}
	if o.ProcessedAt != nil && o.ProcessedAt.After(m.LastUpdated) {
		m.LastUpdated = *o.ProcessedAt
	}

	m.Status = lifecycle.ReduceShipmentStatus(o.Status, results)
	return m
}
