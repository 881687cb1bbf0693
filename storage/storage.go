package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrDSNRequired is returned when the database URL is missing.
var ErrDSNRequired = errors.New("storage: database url must be configured")

// Open connects to the backing Postgres database, migrates the schema, and
// installs the append-only guards.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	db, err := gorm.Open(postgres.Open(trimmed), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := ApplyGuards(db); err != nil {
		return nil, fmt.Errorf("apply storage guards: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory sqlite database with the full schema and
// guard triggers. Used by tests; production always runs on Postgres.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := ApplyGuards(db); err != nil {
		return nil, fmt.Errorf("apply storage guards: %w", err)
	}
	return db, nil
}

// ForUpdate appends a pessimistic row lock to the query. Writers of auction
// and deposit rows must hold this lock for the duration of the transaction.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// appendOnlyTables must never see an UPDATE or DELETE. The triggers below
// back the repository contract at the storage layer.
var appendOnlyTables = []string{"bids", "bid_rejections", "deposit_transitions", "payment_ledger"}

// depositTransitionRules is the legal deposit state machine. Updates that keep
// the status unchanged are always allowed.
var depositTransitionRules = [][2]DepositStatus{
	{DepositCollected, DepositHeld},
	{DepositCollected, DepositExpired},
	{DepositHeld, DepositCaptured},
	{DepositHeld, DepositRefundPending},
	{DepositHeld, DepositExpired},
	{DepositRefundPending, DepositRefunded},
}

// ApplyGuards installs append-only and deposit-transition triggers for the
// connected dialect.
func ApplyGuards(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "postgres":
		return applyPostgresGuards(db)
	case "sqlite":
		return applySQLiteGuards(db)
	default:
		return fmt.Errorf("storage guards: unsupported dialect %q", db.Dialector.Name())
	}
}

func applyPostgresGuards(db *gorm.DB) error {
	const rejectFn = `
CREATE OR REPLACE FUNCTION reject_mutation() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION '% rows are append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;
`
	if err := db.Exec(rejectFn).Error; err != nil {
		return fmt.Errorf("create reject function: %w", err)
	}
	for _, table := range appendOnlyTables {
		stmt := fmt.Sprintf(`
DROP TRIGGER IF EXISTS %[1]s_append_only ON %[1]s;
CREATE TRIGGER %[1]s_append_only
BEFORE UPDATE OR DELETE ON %[1]s
FOR EACH ROW EXECUTE FUNCTION reject_mutation();
`, table)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("guard table %s: %w", table, err)
		}
	}

	conditions := make([]string, 0, len(depositTransitionRules))
	for _, rule := range depositTransitionRules {
		conditions = append(conditions, fmt.Sprintf("(OLD.status = '%s' AND NEW.status = '%s')", rule[0], rule[1]))
	}
	transitionFn := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION check_deposit_transition() RETURNS trigger AS $$
BEGIN
    IF NEW.status = OLD.status THEN
        RETURN NEW;
    END IF;
    IF NOT (%s) THEN
        RAISE EXCEPTION 'illegal deposit transition from %% to %%', OLD.status, NEW.status;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS deposits_transition_guard ON deposits;
CREATE TRIGGER deposits_transition_guard
BEFORE UPDATE ON deposits
FOR EACH ROW EXECUTE FUNCTION check_deposit_transition();
`, strings.Join(conditions, " OR "))
	if err := db.Exec(transitionFn).Error; err != nil {
		return fmt.Errorf("guard deposit transitions: %w", err)
	}
	return nil
}

func applySQLiteGuards(db *gorm.DB) error {
	for _, table := range appendOnlyTables {
		for _, op := range []string{"UPDATE", "DELETE"} {
			stmt := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %[1]s_no_%[2]s
BEFORE %[3]s ON %[1]s
BEGIN
    SELECT RAISE(ABORT, '%[1]s rows are append-only');
END;
`, table, strings.ToLower(op), op)
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("guard table %s: %w", table, err)
			}
		}
	}

	conditions := make([]string, 0, len(depositTransitionRules))
	for _, rule := range depositTransitionRules {
		conditions = append(conditions, fmt.Sprintf("(OLD.status = '%s' AND NEW.status = '%s')", rule[0], rule[1]))
	}
	stmt := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS deposits_transition_guard
BEFORE UPDATE ON deposits
WHEN NEW.status <> OLD.status AND NOT (%s)
BEGIN
    SELECT RAISE(ABORT, 'illegal deposit transition');
END;
`, strings.Join(conditions, " OR "))
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("guard deposit transitions: %w", err)
	}
	return nil
}
