package migration

import (
	"github.com/opsboard/opsboard/internal/config"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	invoicingdomain "github.com/opsboard/opsboard/internal/invoicing/domain"
	orgdomain "github.com/opsboard/opsboard/internal/organization/domain"
	storagedomain "github.com/opsboard/opsboard/internal/storage/domain"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned SQL migrations are written for postgres. Other dialects
		// (sqlite in dev, mysql) fall back to schema sync.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&orgdomain.Organization{},
				&workspacedomain.Workspace{},
				&workspacedomain.Project{},
				&usagedomain.UsageEvent{},
				&idempotencydomain.ProcessedEvent{},
				&storagedomain.StorageObject{},
				&storagedomain.StorageDailySnapshot{},
				&invoicingdomain.Invoice{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
