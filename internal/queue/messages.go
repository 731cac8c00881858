package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/events"
)

const (
	TopicEvents       = "vault.events.v1"
	TopicYieldReports = "vault.yield_reports.v1"

	yieldReportVersion = "yield.report.v1"
)

var ErrInvalidMessage = errors.New("queue: invalid message")

// EventPublisher publishes committed vault events keyed by vault id, so one
// vault's events stay ordered within a partition.
type EventPublisher struct {
	producer Producer
	topic    string
}

func NewEventPublisher(p Producer, topic string) (*EventPublisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = TopicEvents
	}
	return &EventPublisher{producer: p, topic: topic}, nil
}

func (p *EventPublisher) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: encode event %d of %q: %w", e.Seq, e.Vault, err)
	}
	return p.producer.Publish(ctx, p.topic, []byte(e.Vault), payload)
}

// YieldReport asks the operator to book Amount of interest on Vault.
// Reports are delivered at least once; ReportID is the vault's dedup key.
type YieldReport struct {
	Vault    string
	ReportID string
	Amount   *uint256.Int
}

type yieldReportJSON struct {
	Version  string `json:"version"`
	Vault    string `json:"vault"`
	ReportID string `json:"reportId"`
	Amount   string `json:"amount"`
}

func DecodeYieldReport(data []byte) (YieldReport, error) {
	var in yieldReportJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return YieldReport{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if in.Version != yieldReportVersion {
		return YieldReport{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, in.Version)
	}
	if strings.TrimSpace(in.Vault) == "" {
		return YieldReport{}, fmt.Errorf("%w: vault is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(in.ReportID) == "" {
		return YieldReport{}, fmt.Errorf("%w: reportId is required", ErrInvalidMessage)
	}
	amount, err := uint256.FromDecimal(in.Amount)
	if err != nil || amount.IsZero() {
		return YieldReport{}, fmt.Errorf("%w: amount %q must be a positive decimal", ErrInvalidMessage, in.Amount)
	}
	return YieldReport{Vault: in.Vault, ReportID: in.ReportID, Amount: amount}, nil
}

func EncodeYieldReport(r YieldReport) ([]byte, error) {
	if r.Amount == nil {
		return nil, fmt.Errorf("%w: nil amount", ErrInvalidMessage)
	}
	return json.Marshal(yieldReportJSON{
		Version:  yieldReportVersion,
		Vault:    r.Vault,
		ReportID: r.ReportID,
		Amount:   r.Amount.Dec(),
	})
}
