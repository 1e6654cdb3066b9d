package invoicing

import (
	"github.com/opsboard/opsboard/internal/invoicing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoicing",
	fx.Provide(
		service.NewRunner,
	),
)
