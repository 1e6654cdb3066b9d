package idempotency

import (
	"github.com/opsboard/opsboard/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency.registry",
	fx.Provide(service.NewRegistry),
)
