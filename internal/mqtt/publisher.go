package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/domik/air-sensor/internal/device"
)

// Availability payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ErrPublish wraps every failed outbound publish.
var ErrPublish = errors.New("mqtt publish failed")

// Publisher serializes readings and discovery metadata for one device and
// publishes them through a [Session]. It never checks the session first:
// a publish on a dead session fails and that failure is returned.
type Publisher struct {
	session Session
	dev     device.Descriptor
	info    DeviceInfo
	logger  *slog.Logger
}

// NewPublisher creates a Publisher for dev over session.
func NewPublisher(session Session, dev device.Descriptor, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		session: session,
		dev:     dev,
		info:    NewDeviceInfo(dev.Identity),
		logger:  logger,
	}
}

// Device returns the descriptor the publisher announces.
func (p *Publisher) Device() device.Descriptor {
	return p.dev
}

// PublishState publishes r, unretained, to the common state topic.
func (p *Publisher) PublishState(ctx context.Context, r Reading) error {
	return p.PublishJSON(ctx, p.dev.Topics.State, NewStatePayload(r), false)
}

// PublishAvailability publishes status ("online"/"offline"), retained, to
// the availability topic.
func (p *Publisher) PublishAvailability(ctx context.Context, status string) error {
	return p.publish(ctx, p.dev.Topics.Availability, []byte(status), true)
}

// discoveryBase is the document every sensor's discovery payload starts
// from before its own fields are overlaid.
func (p *Publisher) discoveryBase() SensorConfig {
	return SensorConfig{
		Platform:            "mqtt",
		EnabledByDefault:    true,
		StateClass:          "measurement",
		StateTopic:          p.dev.Topics.State,
		JSONAttributesTopic: p.dev.Topics.State,
		Availability:        []Availability{{Topic: p.dev.Topics.Availability}},
		Device:              p.info,
	}
}

// SensorConfigs returns the complete discovery payload of every sensor,
// in descriptor order.
func (p *Publisher) SensorConfigs() []SensorConfig {
	base := p.discoveryBase()
	configs := make([]SensorConfig, 0, len(p.dev.Sensors))
	for _, s := range p.dev.Sensors {
		cfg := base
		cfg.Name = s.Name
		cfg.DeviceClass = s.DeviceClass
		cfg.UnitOfMeasurement = s.Unit
		cfg.ValueTemplate = s.ValueTemplate
		cfg.UniqueID = s.UniqueID
		configs = append(configs, cfg)
	}
	return configs
}

// Discover publishes one retained discovery config per sensor. A failed
// sensor does not stop the others; all failures are returned joined.
func (p *Publisher) Discover(ctx context.Context) error {
	var errs []error
	for i, cfg := range p.SensorConfigs() {
		s := p.dev.Sensors[i]
		if err := p.PublishJSON(ctx, s.DiscoveryTopic, cfg, true); err != nil {
			errs = append(errs, fmt.Errorf("discover %s: %w", s.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// PublishJSON marshals doc and publishes it to topic exactly once. The
// returned error wraps [ErrPublish] when the broker publish fails.
func (p *Publisher) PublishJSON(ctx context.Context, topic string, doc any, retain bool) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		p.logger.Error("Publish failed: cannot encode payload", "topic", topic, "error", err)
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}

	p.logger.Debug("Publish message: "+topic, "payload", string(payload))

	return p.publish(ctx, topic, payload, retain)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := p.session.Publish(ctx, topic, payload, retain); err != nil {
		state := p.session.State()
		p.logger.Error("Publish failed: "+strconv.Itoa(int(state)),
			"topic", topic, "state", state.String(), "error", err)
		return fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
	}
	return nil
}
