// Package cloud reconciles jobs against a cloud endpoint-detection vendor:
// it polls alerts for the detonation device, stores new ones and resolves
// them once the detection window has passed.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/domain"
)

var (
	ErrUnauthorized   = errors.New("vendor request unauthorized")
	ErrForbidden      = errors.New("vendor request forbidden")
	ErrNotFound       = errors.New("vendor resource not found")
	ErrDeviceNotFound = errors.New("device not known to vendor")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("vendor api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("vendor api error (status=%d): %s", e.StatusCode, body)
}

// Vendor is the detection vendor surface the engine needs.
type Vendor interface {
	// Alerts returns alerts raised for device in [from, to].
	Alerts(ctx context.Context, deviceID string, from, to time.Time) ([]domain.Alert, error)
	// LookupDevice resolves a hostname to the vendor's device id.
	LookupDevice(ctx context.Context, hostname string) (string, error)
	ResolveAlert(ctx context.Context, alertID, comment string) error
	ResolveIncident(ctx context.Context, incidentID, comment string) error
}
