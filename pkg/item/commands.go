package item

import (
	"context"
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
)

// Command types.
const (
	CommandCreate = "item.create"
	CommandChange = "item.change"
)

// Limits enforced on item commands.
const (
	MaxIDLength   = 128
	MaxDataLength = 4096
)

// ValidateCommand checks the fields of an item command.
func ValidateCommand(cmd *domain.Command) error {
	id := cmd.AggregateID
	switch {
	case strings.TrimSpace(id) == "":
		return domain.Invalid("ID_REQUIRED", "aggregate_id", "item id is required")
	case !govalidator.IsPrintableASCII(id):
		return domain.Invalid("ID_INVALID", "aggregate_id", "item id must be printable ASCII")
	case !govalidator.IsByteLength(id, 1, MaxIDLength):
		return domain.Invalid("ID_TOO_LONG", "aggregate_id", fmt.Sprintf("item id exceeds %d characters", MaxIDLength))
	}
	if !govalidator.IsByteLength(cmd.Data, 0, MaxDataLength) {
		return domain.Invalid("DATA_TOO_LONG", "data", fmt.Sprintf("item data exceeds %d bytes", MaxDataLength))
	}
	return nil
}

func handleCreate(ctx context.Context, i *Item, cmd *domain.Command) error {
	return i.Create(cmd.Data)
}

func handleChange(ctx context.Context, i *Item, cmd *domain.Command) error {
	return i.Change(cmd.Data)
}

// Register registers the item command handlers on d.
func Register(d *eventsourcing.Dispatcher[*Item]) {
	d.Register(CommandCreate, handleCreate)
	d.Register(CommandChange, handleChange)
}
