package billingentity

import (
	"github.com/opsboard/opsboard/internal/billingentity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingentity.resolver",
	fx.Provide(service.NewResolver),
)
