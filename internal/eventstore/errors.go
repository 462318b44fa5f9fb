package eventstore

import "git.home.luguber.info/inful/buildcoord/internal/foundation/errors"

// Sentinels; match with errors.Is.
var (
	ErrOpen   = errors.EventStoreError("open history database").Build()
	ErrSchema = errors.EventStoreError("migrate history schema").Build()
	ErrAppend = errors.EventStoreError("append history entry").Build()
	ErrQuery  = errors.EventStoreError("query history").Build()
	ErrDecode = errors.EventStoreError("decode history entry").Build()
)

func wrap(sentinel *errors.ClassifiedError, cause error) error {
	return errors.WrapError(cause, sentinel.Category(), sentinel.Message()).Build()
}
