package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-admission/internal/models"
)

// CreateSchema creates the ledger tables when they don't exist. Production
// deployments run the SQL migrations instead; this covers dev and tests.
func CreateSchema(ctx context.Context, bunDB *bun.DB) error {
	schemaModels := []interface{}{
		(*models.Event)(nil),
		(*models.Ticket)(nil),
		(*models.TableReservation)(nil),
		(*models.ScanLog)(nil),
	}
	for _, model := range schemaModels {
		if _, err := bunDB.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}
