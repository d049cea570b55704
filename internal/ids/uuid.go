package ids

import "github.com/google/uuid"

// Provider issues durable identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider returns a Provider that issues UUIDv7 identifiers, so ids sort by creation time.
func NewUUIDProvider() Provider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
