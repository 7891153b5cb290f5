package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/vendsync/syncerr"
	"github.com/shopspring/decimal"
)

// payload is the vendor shape. Pointer fields tell a missing field from a zero value.
type payload struct {
	MachineID     *string `json:"machine_id" validate:"required,min=1,max=128"`
	ItemCode      *string `json:"item_code" validate:"required,min=1,max=64"`
	ItemName      *string `json:"item_name" validate:"omitempty,max=255"`
	Quantity      *int    `json:"quantity" validate:"required,gte=1,lte=10000"`
	Amount        *int64  `json:"amount" validate:"required,gte=0"`
	UnitPrice     *int64  `json:"unit_price" validate:"omitempty,gte=0"`
	TransactionID *string `json:"transaction_id" validate:"required,min=1,max=128"`
	OccurredAt    *string `json:"occurred_at" validate:"required"`
}

// Event is a validated telemetry sale. Money is in minor units.
type Event struct {
	MachineID      string    `json:"machine_id"`
	ItemCode       string    `json:"item_code"`
	ItemName       string    `json:"item_name"`
	Quantity       int       `json:"quantity"`
	AmountMinor    int64     `json:"amount"`
	UnitPriceMinor *int64    `json:"unit_price,omitempty"`
	TransactionID  string    `json:"transaction_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

var payloadValidator = validator.New()

// Parse decodes and validates a raw webhook body. Any shape mismatch is a
// validation error; nothing downstream inspects the raw payload.
func Parse(raw []byte) (*Event, error) {
	const op = "telemetry.Parse"
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, syncerr.Validation(op, "empty payload")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, syncerr.Validation(op, "malformed json: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, syncerr.Validation(op, "trailing data after payload")
	}

	trim(p.MachineID)
	trim(p.ItemCode)
	trim(p.ItemName)
	trim(p.TransactionID)
	trim(p.OccurredAt)
	if err := payloadValidator.Struct(p); err != nil {
		return nil, syncerr.Validation(op, "%v", err)
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, *p.OccurredAt)
	if err != nil {
		return nil, syncerr.Validation(op, "occurred_at: %v", err)
	}

	ev := &Event{
		MachineID:      *p.MachineID,
		ItemCode:       *p.ItemCode,
		Quantity:       *p.Quantity,
		AmountMinor:    *p.Amount,
		UnitPriceMinor: p.UnitPrice,
		TransactionID:  *p.TransactionID,
		OccurredAt:     occurredAt.UTC(),
	}
	if p.ItemName != nil {
		ev.ItemName = *p.ItemName
	}
	return ev, nil
}

func trim(s *string) {
	if s != nil {
		*s = strings.TrimSpace(*s)
	}
}

// FromMinor converts vendor minor units to a decimal amount.
func FromMinor(minor int64, exponent int32) decimal.Decimal {
	return decimal.New(minor, -exponent)
}
