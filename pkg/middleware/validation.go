package middleware

import (
	"context"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
)

// Validator validates a command before it reaches the aggregate.
type Validator interface {
	Validate(cmd *domain.Command) error
}

// ValidatorFunc is a function adapter for Validator.
type ValidatorFunc func(cmd *domain.Command) error

// Validate calls f(cmd).
func (f ValidatorFunc) Validate(cmd *domain.Command) error {
	return f(cmd)
}

// ValidationMiddleware rejects commands the validator refuses. The aggregate is never loaded
// for a rejected command.
func ValidationMiddleware(validator Validator) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
			if err := validator.Validate(cmd); err != nil {
				return nil, err
			}
			return next.Handle(ctx, cmd)
		})
	}
}

// MetadataValidationMiddleware checks the optional metadata identifiers carried by a command.
func MetadataValidationMiddleware() eventsourcing.CommandMiddleware {
	return ValidationMiddleware(ValidatorFunc(func(cmd *domain.Command) error {
		if id := cmd.Metadata.CorrelationID; id != "" && !govalidator.IsPrintableASCII(id) {
			return domain.Invalid("CORRELATION_ID_INVALID", "correlation_id", "correlation id must be printable ASCII")
		}
		if id := cmd.Metadata.PrincipalID; id != "" && !govalidator.IsPrintableASCII(id) {
			return domain.Invalid("PRINCIPAL_ID_INVALID", "principal_id", "principal id must be printable ASCII")
		}
		return nil
	}))
}
