package database

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/logging"
)

// Repository is the single data-access facade. Numeric columns travel as
// text on the wire so decimals survive the round trip without precision loss.
type Repository struct {
	db  *DB
	log zerolog.Logger
}

// NewRepository builds the repository over the shared pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, log: logging.Component("repository")}
}

func decStr(d decimal.Decimal) string { return d.String() }

func decPtrStr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseDecPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := parseDec(*s)
	return &d
}
