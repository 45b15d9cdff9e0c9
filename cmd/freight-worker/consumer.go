package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/FreightLink/internal/attachments"
	"github.com/BearBump/FreightLink/internal/broker/kafka"
	"github.com/BearBump/FreightLink/internal/broker/messages"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/services/status"
	"github.com/BearBump/FreightLink/internal/storage/pgfreight"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type statusUpdater interface {
	UpdateShipmentStatus(ctx context.Context, req status.Request) (status.Result, error)
}

// statusRequestHandler applies queued status updates. Requests that can
// never succeed are logged and committed; anything else is returned so the
// message stays uncommitted.
func statusRequestHandler(svc statusUpdater) kafka.Handler {
	return func(ctx context.Context, key, value []byte) error {
		var m messages.StatusUpdateRequested
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Error("drop malformed status request", "key", string(key), "error", err.Error())
			return nil
		}
		shipmentID, err := uuid.Parse(m.ShipmentID)
		if err != nil {
			slog.Error("drop status request", "shipment_id", m.ShipmentID, "error", "invalid shipment id")
			return nil
		}
		in, err := invoices.ParseStatusInput(m.Status)
		if err != nil {
			slog.Error("drop status request", "shipment_id", m.ShipmentID, "error", err.Error())
			return nil
		}

		req := status.Request{
			ShipmentID: shipmentID,
			Code:       in.Code,
			InvoiceKey: m.InvoiceKey,
			Note:       m.Note,
		}
		for _, a := range m.Attachments {
			if a.Data != "" {
				req.Attachments = append(req.Attachments, attachments.Input{Name: a.Name, Base64: a.Data})
			} else if a.Name != "" {
				req.Attachments = append(req.Attachments, attachments.Input{Name: a.Name})
			}
		}

		res, err := svc.UpdateShipmentStatus(ctx, req)
		switch {
		case err == nil:
			slog.Info("status request applied", "shipment_id", m.ShipmentID, "code", in.Code, "sends", len(res.Results))
			return nil
		case permanent(err):
			slog.Error("drop status request", "shipment_id", m.ShipmentID, "code", in.Code, "error", err.Error())
			return nil
		default:
			return err
		}
	}
}

func permanent(err error) bool {
	return errors.Is(err, invoices.ErrInvalidCode) ||
		errors.Is(err, invoices.ErrEmptyStatus) ||
		errors.Is(err, pgfreight.ErrNotFound)
}
