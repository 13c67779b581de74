package chatstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coachchat/pkg/transport"
)

// ChannelRecord captures the server-side existence of a channel on the bus.
type ChannelRecord struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Members     []string `json:"members"`
	CreatedBy   string   `json:"created_by"`
	CreatedAtMs int64    `json:"created_at_ms"`
}

// ChannelStore records which channels exist. Create wraps transport.ErrChannelExists for a known id.
type ChannelStore interface {
	Create(ctx context.Context, record ChannelRecord) error
	Get(ctx context.Context, kind, id string) (ChannelRecord, bool, error)
	Close() error
}

func channelKey(kind, id string) string {
	return strings.TrimSpace(kind) + ":" + strings.TrimSpace(id)
}

func validateRecord(prefix string, record ChannelRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return errors.New(prefix + ": channel id is empty")
	}
	if strings.TrimSpace(record.Kind) == "" {
		return errors.New(prefix + ": channel kind is empty")
	}
	return nil
}

func existsError(prefix string, record ChannelRecord) error {
	return errors.Wrapf(transport.ErrChannelExists, "%s: %s", prefix, channelKey(record.Kind, record.ID))
}
