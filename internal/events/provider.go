package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/common/config"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/events/bus"
)

// Provide builds the configured event bus: NATS when nats.url is set, the
// in-process bus otherwise. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	log.Info("using in-process event bus")
	return memBus, memBus.Close, nil
}
