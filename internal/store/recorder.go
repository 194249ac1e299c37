package store

import (
	"context"
	"log/slog"

	"cast-go-home/internal/supervisor"
)

const (
	recorderQueueSize = 256
	pruneEvery        = 50
)

// Recorder persists supervisor events off the supervisor loop. It also keeps
// the stored device identity and volume current so the next start can resume.
type Recorder struct {
	store  Store
	device string
	limit  int
	logger *slog.Logger

	events  chan supervisor.Event
	written int
}

// NewRecorder creates a recorder for the named device keeping at most limit
// history entries.
func NewRecorder(st Store, device string, limit int, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		device: device,
		limit:  limit,
		logger: logger.With("component", "recorder"),
		events: make(chan supervisor.Event, recorderQueueSize),
	}
}

// Attach subscribes the recorder to bus. Returns an unsubscribe function.
func (r *Recorder) Attach(bus *supervisor.EventBus) func() {
	return bus.OnAll(r.enqueue)
}

func (r *Recorder) enqueue(e supervisor.Event) {
	select {
	case r.events <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "type", e.Type)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.events:
			r.handle(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.events:
					r.handle(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(e supervisor.Event) {
	if err := r.store.AppendHistory(&HistoryEntry{Type: e.Type, Time: e.Time, Data: e.Data}); err != nil {
		r.logger.Error("append history", "type", e.Type, "err", err)
	}
	r.written++
	if r.limit > 0 && r.written%pruneEvery == 0 {
		if n, err := r.store.PruneHistory(r.limit); err != nil {
			r.logger.Error("prune history", "err", err)
		} else if n > 0 {
			r.logger.Debug("pruned history", "removed", n)
		}
	}

	switch e.Type {
	case supervisor.EventDeviceFound:
		err := r.store.UpdateDevice(r.device, func(dev *Device) error {
			dev.Address, _ = e.Data["address"].(string)
			dev.Port, _ = e.Data["port"].(int)
			dev.DeviceType, _ = e.Data["device_type"].(string)
			dev.DeviceID, _ = e.Data["device_id"].(string)
			dev.LastSeen = e.Time
			return nil
		})
		if err != nil {
			r.logger.Error("save device", "err", err)
		}
	case supervisor.EventVolumeChanged:
		level, ok := e.Data["level"].(float64)
		if !ok {
			return
		}
		err := r.store.UpdateDevice(r.device, func(dev *Device) error {
			dev.Volume = &level
			return nil
		})
		if err != nil {
			r.logger.Error("save volume", "err", err)
		}
	}
}

// Identity converts a stored device into a supervisor identity.
func (d *Device) Identity() supervisor.Identity {
	return supervisor.Identity{
		Name:       d.Name,
		Address:    d.Address,
		Port:       d.Port,
		DeviceType: d.DeviceType,
		DeviceID:   d.DeviceID,
	}
}
