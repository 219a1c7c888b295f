package ingest

import (
	"context"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/kafka"
)

// HandleMessage returns a Kafka MessageHandler that decodes envelopes and
// feeds them to trainer. Undecodable messages are logged and committed.
func HandleMessage(trainer *Trainer) kafka.MessageHandler {
	logger := slog.Default().With("component", "frame-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		env, err := kafka.DecodeJSON[Envelope](value)
		if err != nil {
			logger.Error("failed to decode envelope",
				"error", err,
				"key", string(key),
			)
			trainer.count("unknown", "skipped")
			return nil
		}
		return trainer.Handle(ctx, env)
	}
}
