package greeter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma mmap_size = 8000000000;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

var (
	ErrMemberNotFound  = errors.New("member not found")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrTicketClaimed   = errors.New("ticket already claimed")
	ErrMemberHasTicket = errors.New("member already holds a ticket")
)

// DBI is the member and ticket store. [database] implements it over gorm.
type DBI interface {
	DB() *gorm.DB
	Ping(ctx context.Context) error
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error

	// GetMember returns ErrMemberNotFound if there's no row for memberID
	GetMember(ctx context.Context, memberID int64) (*Member, error)

	// GetOrCreateMember returns the member's row, creating it with all
	// flags false if it doesn't exist. created is true if the row
	// was inserted by this call.
	GetOrCreateMember(ctx context.Context, memberID int64) (m *Member, created bool, err error)

	SetDMSent(ctx context.Context, memberID int64, sent bool) error

	// MarkReacted sets the reacted flag, returning true only if it
	// changed from false to true
	MarkReacted(ctx context.Context, memberID int64) (changed bool, err error)

	// ResetMembership clears dm_sent and reacted
	ResetMembership(ctx context.Context, memberID int64) error

	ListMembers(ctx context.Context, p Pagination) ([]Member, error)

	// GetTicket returns ErrTicketNotFound if ticketID doesn't exist
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)

	// ClaimTicket assigns ticketID to memberID, if it's unclaimed. It
	// returns ErrTicketNotFound, ErrTicketClaimed (claimed by someone
	// else) or ErrMemberHasTicket (memberID holds a different ticket).
	// Claiming a ticket already held by memberID is a no-op.
	ClaimTicket(ctx context.Context, ticketID string, memberID int64) (*Ticket, error)

	// ReleaseTicket clears a claim made by memberID
	ReleaseTicket(ctx context.Context, ticketID string, memberID int64) error

	ListTickets(ctx context.Context, p Pagination, claimed *bool) ([]Ticket, error)

	// ImportTickets inserts the given ticket IDs, skipping any which
	// already exist, and returns the number inserted
	ImportTickets(ctx context.Context, ticketIDs []string) (int64, error)

	GetAdminCredential(ctx context.Context, username string) (*AdminCredential, error)
	SetAdminCredential(ctx context.Context, username string, passwordHash string) error
}

// database wraps a gorm connection. When enableConcurrentWrites is
// false (SQLite), writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI for the given connection
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// lock acquires the write lock when writes aren't concurrent. The
// returned func releases it.
func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies dbOperationTimeout if ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Exec("SELECT 1").Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) GetMember(ctx context.Context, memberID int64) (*Member, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m Member
	err := d.db.WithContext(ctx).Take(&m, memberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *database) GetOrCreateMember(
	ctx context.Context,
	memberID int64,
) (*Member, bool, error) {
	var m Member
	var created bool
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&Member{ID: memberID},
			)
			if rv.Error != nil {
				return rv.Error
			}
			created = rv.RowsAffected == 1
			return tx.Take(&m, memberID).Error
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("get or create member %d: %w", memberID, err)
	}
	if created {
		d.logger.InfoContext(ctx, "created member", "member", m)
	}
	return &m, created, nil
}

func (d *database) SetDMSent(ctx context.Context, memberID int64, sent bool) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(&Member{}).Where(
		"id = ?",
		memberID,
	).Update(columnMemberDMSent, sent)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (d *database) MarkReacted(ctx context.Context, memberID int64) (bool, error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(&Member{}).Where(
		"id = ? AND reacted = ?",
		memberID,
		false,
	).Update(columnMemberReacted, true)
	if rv.Error != nil {
		return false, rv.Error
	}
	return rv.RowsAffected == 1, nil
}

func (d *database) ResetMembership(ctx context.Context, memberID int64) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Model(&Member{}).Where(
		"id = ?",
		memberID,
	).Updates(
		map[string]any{
			columnMemberDMSent:  false,
			columnMemberReacted: false,
		},
	).Error
}

func (d *database) ListMembers(ctx context.Context, p Pagination) ([]Member, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var members []Member
	err := p.apply(d.db.WithContext(ctx)).Find(&members).Error
	return members, err
}

func (d *database) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var t Ticket
	err := d.db.WithContext(ctx).Where("id = ?", ticketID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *database) ClaimTicket(
	ctx context.Context,
	ticketID string,
	memberID int64,
) (*Ticket, error) {
	var ticket Ticket
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			now := time.Now().UnixMilli()
			rv := tx.Model(&Ticket{}).Where(
				"id = ? AND claimant_id IS NULL",
				ticketID,
			).Updates(
				map[string]any{
					columnTicketClaimantID: memberID,
					columnTicketClaimedAt:  now,
				},
			)
			if rv.Error != nil {
				return rv.Error
			}

			if err := tx.Where("id = ?", ticketID).Take(&ticket).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrTicketNotFound
				}
				return err
			}
			if rv.RowsAffected == 0 {
				if ticket.ClaimantID == nil || *ticket.ClaimantID != memberID {
					return fmt.Errorf("%w: %s", ErrTicketClaimed, ticketID)
				}
			}

			rv = tx.Model(&Member{}).Where(
				"id = ? AND (ticket_id IS NULL OR ticket_id = ?)",
				memberID,
				ticketID,
			).Update(columnMemberTicketID, ticketID)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				var exists int64
				if err := tx.Model(&Member{}).Where(
					"id = ?",
					memberID,
				).Count(&exists).Error; err != nil {
					return err
				}
				if exists == 0 {
					return ErrMemberNotFound
				}
				return ErrMemberHasTicket
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "ticket claimed", "ticket", ticket, "member_id", memberID)
	return &ticket, nil
}

func (d *database) ReleaseTicket(
	ctx context.Context,
	ticketID string,
	memberID int64,
) error {
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Model(&Ticket{}).Where(
				"id = ? AND claimant_id = ?",
				ticketID,
				memberID,
			).Updates(
				map[string]any{
					columnTicketClaimantID: nil,
					columnTicketClaimedAt:  nil,
				},
			)
			if rv.Error != nil {
				return rv.Error
			}
			return tx.Model(&Member{}).Where(
				"id = ? AND ticket_id = ?",
				memberID,
				ticketID,
			).Update(columnMemberTicketID, nil).Error
		},
	)
	if err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "ticket released", "ticket_id", ticketID, "member_id", memberID)
	return nil
}

func (d *database) ListTickets(
	ctx context.Context,
	p Pagination,
	claimed *bool,
) ([]Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := p.apply(d.db.WithContext(ctx))
	if claimed != nil {
		if *claimed {
			q = q.Where("claimant_id IS NOT NULL")
		} else {
			q = q.Where("claimant_id IS NULL")
		}
	}
	var tickets []Ticket
	err := q.Find(&tickets).Error
	return tickets, err
}

func (d *database) ImportTickets(ctx context.Context, ticketIDs []string) (int64, error) {
	if len(ticketIDs) == 0 {
		return 0, nil
	}
	tickets := make([]Ticket, 0, len(ticketIDs))
	for _, id := range ticketIDs {
		tickets = append(tickets, Ticket{ID: id})
	}

	var inserted int64
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, batch := range chunkItems(500, tickets...) {
				rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch)
				if rv.Error != nil {
					return rv.Error
				}
				inserted += rv.RowsAffected
			}
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	d.logger.InfoContext(
		ctx,
		"imported tickets",
		"inserted", inserted,
		"skipped", int64(len(ticketIDs))-inserted,
	)
	return inserted, nil
}

func (d *database) GetAdminCredential(
	ctx context.Context,
	username string,
) (*AdminCredential, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var c AdminCredential
	if err := d.db.WithContext(ctx).Where(
		"username = ?",
		username,
	).Take(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *database) SetAdminCredential(
	ctx context.Context,
	username string,
	passwordHash string,
) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnAdminUsername}},
			DoUpdates: clause.AssignmentColumns([]string{"password_hash", "updated_at"}),
		},
	).Create(&AdminCredential{Username: username, PasswordHash: passwordHash}).Error
}

// CreateDB opens the database and migrates all tables
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(slog.LevelWarn)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(dbModels()...)
		},
	)
}

// getDB opens a gorm connection for the given database type, which must
// be 'sqlite' or 'postgres'
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureSQLite applies connection limits and pragmas for SQLite
func configureSQLite(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if _, err = sqlDB.ExecContext(ctx, pragma); err != nil {
			logger.ErrorContext(ctx, "error setting pragma", "pragma", pragma, tint.Err(err))
			return err
		}
	}
	return nil
}
