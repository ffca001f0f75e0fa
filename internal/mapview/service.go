package mapview

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/models"
	"github.com/smukkama/devicemap/internal/pipeline"
)

// Service runs the I/O half of a session: device listing and location
// fetches. The session lock is never held across a fetch.
type Service struct {
	fetcher *pipeline.Fetcher
	devices pipeline.DeviceSource
	log     zerolog.Logger
}

// NewService creates a service reading history through fetcher
func NewService(fetcher *pipeline.Fetcher, devices pipeline.DeviceSource) *Service {
	return &Service{
		fetcher: fetcher,
		devices: devices,
		log:     logger.WithComponent("mapview"),
	}
}

// Devices lists own devices followed by devices shared with the viewer
func (svc *Service) Devices(ctx context.Context) ([]models.Device, error) {
	own, err := svc.devices.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	shared, err := svc.devices.SharedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list shared devices: %w", err)
	}

	all := make([]models.Device, 0, len(own)+len(shared))
	all = append(all, own...)
	for _, d := range shared {
		d.Shared = true
		all = append(all, d)
	}
	return all, nil
}

// Refresh reloads the device snapshot and, when a device is selected, its
// locations for the selected dates. A fetch error is recorded on the session
// and also returned.
func (svc *Service) Refresh(ctx context.Context, s *Session) (FetchOutcome, error) {
	devices, err := svc.Devices(ctx)
	if err != nil {
		return FetchOutcome{}, err
	}
	s.SetDevices(devices)

	req, ok := s.BeginFetch()
	if !ok {
		return FetchOutcome{Applied: true}, nil
	}

	locations, err := svc.fetcher.Fetch(ctx, req.DeviceID, req.Span)
	outcome := s.CompleteFetch(req, locations, err)
	if !outcome.Applied {
		svc.log.Debug().
			Str("session_id", s.ID()).
			Uint64("generation", req.Generation).
			Msg("discarded stale fetch")
	}
	return outcome, err
}
