package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/transfer"
	"CustodyLedger/internal/wallet"
	"CustodyLedger/internal/withdrawal"
)

// CommandConsumer subscribes to the custody command subjects on JetStream and
// invokes the corresponding operation. All operations are idempotent under
// redelivery: transfers by reference, withdrawal transitions by conditional
// update.
//
// A command that fails validation is acked and dropped; the producer already
// got its answer in the published failure log. Transient failures are nak'd
// for redelivery.
type CommandConsumer struct {
	js          jetstream.JetStream
	transfers   *transfer.Service
	withdrawals *withdrawal.Engine
	addresses   *wallet.AddressBook
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
}

// SubjectConfig maps one command subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
}

// DefaultSubjects returns the standard command subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "custody.commands.transfer.request", ConsumerName: "custody-transfer-request"},
		{Subject: "custody.commands.transfer.reverse", ConsumerName: "custody-transfer-reverse"},
		{Subject: "custody.commands.withdrawal.request", ConsumerName: "custody-wd-request"},
		{Subject: "custody.commands.withdrawal.approve", ConsumerName: "custody-wd-approve"},
		{Subject: "custody.commands.withdrawal.cancel", ConsumerName: "custody-wd-cancel"},
		{Subject: "custody.commands.withdrawal.broadcast", ConsumerName: "custody-wd-broadcast"},
		{Subject: "custody.commands.address.issue", ConsumerName: "custody-address-issue"},
	}
}

func NewCommandConsumer(
	js jetstream.JetStream,
	transfers *transfer.Service,
	withdrawals *withdrawal.Engine,
	addresses *wallet.AddressBook,
	log zerolog.Logger,
) *CommandConsumer {
	return &CommandConsumer{
		js:          js,
		transfers:   transfers,
		withdrawals: withdrawals,
		addresses:   addresses,
		log:         log,
	}
}

// EnsureStream creates the command stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CUSTODY_COMMANDS",
		Subjects:  []string{"custody.commands.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	return err
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (c *CommandConsumer) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := c.js.CreateOrUpdateConsumer(ctx, "CUSTODY_COMMANDS", jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		subject := cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			if err := c.handle(ctx, subject, msg.Data()); err != nil {
				if permanent(err) {
					c.log.Warn().Err(err).Str("subject", subject).Msg("command rejected")
					msg.Ack()
					return
				}
				c.log.Error().Err(err).Str("subject", subject).Msg("command failed, redelivering")
				msg.Nak()
				return
			}
			msg.Ack()
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		c.consumers = append(c.consumers, consumerContext)
		c.log.Info().Str("subject", subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Stop drains all consumers.
func (c *CommandConsumer) Stop() {
	for _, cc := range c.consumers {
		cc.Stop()
	}
}

func (c *CommandConsumer) handle(ctx context.Context, subject string, data []byte) error {
	switch subject {
	case "custody.commands.transfer.request":
		req, err := parseTransferRequest(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		_, err = c.transfers.Request(ctx, req)
		return err

	case "custody.commands.transfer.reverse":
		ref, err := parseTransferReverse(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		_, err = c.transfers.Reverse(ctx, ref)
		return err

	case "custody.commands.withdrawal.request":
		p, err := parseWithdrawalRequest(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		_, err = c.withdrawals.Request(ctx, p)
		return err

	case "custody.commands.withdrawal.approve":
		id, err := parseWithdrawalID(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		_, err = c.withdrawals.Approve(ctx, id)
		return err

	case "custody.commands.withdrawal.cancel":
		id, err := parseWithdrawalID(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		_, err = c.withdrawals.Cancel(ctx, id)
		return err

	case "custody.commands.withdrawal.broadcast":
		id, err := parseWithdrawalID(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		_, err = c.withdrawals.Broadcast(ctx, id)
		return err

	case "custody.commands.address.issue":
		userID, chainName, err := parseAddressIssue(data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		_, err = c.addresses.GetOrCreate(ctx, userID, chainName)
		return err

	default:
		return fmt.Errorf("%w: unknown subject %s", errMalformed, subject)
	}
}

var errMalformed = errors.New("ingestion: malformed command")

// permanent reports whether redelivering the command could ever succeed.
func permanent(err error) bool {
	return errors.Is(err, errMalformed) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, asset.ErrUnknownAsset) ||
		errors.Is(err, transfer.ErrInvalidAmount) ||
		errors.Is(err, transfer.ErrSameParty) ||
		errors.Is(err, transfer.ErrNotFound) ||
		errors.Is(err, transfer.ErrNotReversible) ||
		errors.Is(err, withdrawal.ErrInvalidAmount) ||
		errors.Is(err, withdrawal.ErrInvalidDestination) ||
		errors.Is(err, withdrawal.ErrNotFound) ||
		errors.Is(err, withdrawal.ErrNotApprovable) ||
		errors.Is(err, withdrawal.ErrNotCancelable)
}
