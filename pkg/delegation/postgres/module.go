// Package postgres implements the role-switching relational delegation
// module.
//
// The module connects to PostgreSQL as a single service principal and
// impersonates the caller per statement: it exchanges the caller's token for
// a delegation token, switches to the caller's database role with SET ROLE,
// runs the statement, and always resets the role before the connection goes
// back to the pool.
package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/tokenexchange"
)

// Tool names served by this module.
const (
	ToolQueryDatabase = "query_database"
	ToolListTables    = "list_tables"
	ToolDescribeTable = "describe_table"
)

// resetRoleTimeout bounds the RESET ROLE issued on the way out, detached
// from the caller's context so cancellation cannot leave a switched role on
// a pooled connection.
const resetRoleTimeout = 5 * time.Second

// tokenClient is the slice of the token-exchange client the module uses.
type tokenClient interface {
	DelegationToken(ctx context.Context, sess *session.Session, requestorJWT string, opts tokenexchange.Options) (*tokenexchange.Token, error)
}

// releasableConn is one pooled connection.
type releasableConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Release()
}

// connPool abstracts pgxpool for tests.
type connPool interface {
	Acquire(ctx context.Context) (releasableConn, error)
	Ping(ctx context.Context) error
	Close()
}

type pgxPoolAdapter struct {
	pool *pgxpool.Pool
}

func (p *pgxPoolAdapter) Acquire(ctx context.Context) (releasableConn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *pgxPoolAdapter) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p *pgxPoolAdapter) Close()                         { p.pool.Close() }

// Module is the PostgreSQL delegation module.
type Module struct {
	name    string
	cfg     config.ModuleConfig
	pg      config.PostgresConfig
	tokens  tokenClient
	pool    connPool
	emitter *audit.Emitter
	health  atomic.Value // delegation.Health
}

// NewModule creates the module from its configuration entry.
func NewModule(name string, cfg config.ModuleConfig, tokens tokenClient, sink audit.Sink) *Module {
	m := &Module{
		name:    name,
		cfg:     cfg,
		pg:      *cfg.Postgres,
		tokens:  tokens,
		emitter: audit.NewEmitter("postgres-module", sink),
	}
	m.health.Store(delegation.HealthUnavailable)
	return m
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Tools implements delegation.Module.
func (*Module) Tools() []string {
	return []string{ToolQueryDatabase, ToolListTables, ToolDescribeTable}
}

// Health implements delegation.Module.
func (m *Module) Health() delegation.Health {
	return m.health.Load().(delegation.Health)
}

// Initialize opens the connection pool as the service principal and verifies
// connectivity. A failed ping leaves the module degraded; the pool retries
// on use.
func (m *Module) Initialize(ctx context.Context) error {
	if m.pool == nil {
		connString := fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d",
			m.pg.Host, m.pg.Port, m.pg.Database, m.pg.User, m.pg.Password, m.pg.SSLMode, m.pg.MaxConns)
		poolCfg, err := pgxpool.ParseConfig(connString)
		if err != nil {
			return errors.New(errors.ErrConfigInvalid, "invalid postgres configuration", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return errors.New(errors.ErrModuleUnavailable, "cannot open database pool", err)
		}
		m.pool = &pgxPoolAdapter{pool: pool}
	}
	if err := m.pool.Ping(ctx); err != nil {
		m.health.Store(delegation.HealthDegraded)
		return errors.New(errors.ErrModuleUnavailable, "database is unreachable", err)
	}
	m.health.Store(delegation.HealthReady)
	return nil
}

// Shutdown implements delegation.Module.
func (m *Module) Shutdown(context.Context) error {
	if m.pool != nil {
		m.pool.Close()
	}
	m.health.Store(delegation.HealthUnavailable)
	return nil
}

// Delegate implements delegation.Module.
func (m *Module) Delegate(ctx context.Context, call delegation.Call) (any, error) {
	var sql string
	var params []any
	var kind CommandKind

	switch call.Tool {
	case ToolQueryDatabase:
		var ok bool
		sql, ok = call.Args["sql"].(string)
		if !ok || sql == "" {
			return nil, errors.Newf(errors.ErrInvalidInput, "query_database requires a sql argument")
		}
		params, ok = call.Args["params"].([]any)
		if !ok && call.Args["params"] != nil {
			return nil, errors.Newf(errors.ErrInvalidInput, "params must be an array of positional values")
		}
		kind = Classify(sql)
	case ToolListTables, ToolDescribeTable:
		// Introspection reads information_schema and is authorized as a read.
		kind = CommandSelect
	default:
		return nil, errors.Newf(errors.ErrModuleNotFound, "module %q does not serve tool %q", m.name, call.Tool)
	}

	token, err := m.tokens.DelegationToken(ctx, call.Session, call.RequestorJWT, tokenexchange.Options{
		Audience:        m.cfg.Audience,
		Scope:           m.cfg.Scope,
		LegacyNameClaim: m.cfg.LegacyNameClaim,
		RolesClaim:      m.cfg.RolesClaim,
		RequiredClaims:  m.cfg.RequiredClaims,
	})
	if err != nil {
		m.auditCall(ctx, call, kind, false, err)
		return nil, err
	}
	if token.LegacyUsername == "" {
		err := errors.Newf(errors.ErrDelegationMissingClaim, "delegation token does not name a database principal")
		m.auditCall(ctx, call, kind, false, err)
		return nil, err
	}
	call.Session.SetCustomClaim("legacy_name", token.LegacyUsername)

	if err := authorize(token.Roles, kind); err != nil {
		m.auditCall(ctx, call, kind, false, err)
		return nil, err
	}

	result, err := m.runAs(ctx, token.LegacyUsername, call, sql, params, kind)
	m.auditCall(ctx, call, kind, err == nil, err)
	return result, err
}

// runAs acquires a connection, switches to the delegated role, runs the
// statement and unconditionally resets the role before releasing the
// connection, whatever the exit path.
func (m *Module) runAs(ctx context.Context, role string, call delegation.Call, sql string, params []any, kind CommandKind) (any, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.New(errors.ErrModuleUnavailable, "cannot acquire database connection", err)
	}

	if _, err := conn.Exec(ctx, "SET ROLE "+pgx.Identifier{role}.Sanitize()); err != nil {
		conn.Release()
		return nil, errors.New(errors.ErrDelegationFailed, "cannot assume delegated identity", err)
	}
	defer func() {
		// Detached context: the caller may already be cancelled, but the
		// connection must never return to the pool with a switched role.
		resetCtx, cancel := context.WithTimeout(context.Background(), resetRoleTimeout)
		defer cancel()
		if _, resetErr := conn.Exec(resetCtx, "RESET ROLE"); resetErr != nil {
			logger.Errorw("RESET ROLE failed, releasing connection anyway",
				"module", m.name, "error", resetErr)
		}
		conn.Release()
	}()

	switch call.Tool {
	case ToolListTables:
		return m.listTables(ctx, conn, call.Args)
	case ToolDescribeTable:
		return m.describeTable(ctx, conn, call.Args)
	default:
		return m.runStatement(ctx, conn, sql, params, kind)
	}
}

// runStatement executes the classified statement with its positional
// parameters. SELECT results are the homogeneous rows array itself; the
// metadata object shape is contractual only for the write commands.
func (m *Module) runStatement(ctx context.Context, conn releasableConn, sql string, params []any, kind CommandKind) (any, error) {
	if kind == CommandSelect {
		rows, err := conn.Query(ctx, sql, params...)
		if err != nil {
			return nil, statementError(err)
		}
		records, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return nil, statementError(err)
		}
		return records, nil
	}

	tag, err := conn.Exec(ctx, sql, params...)
	if err != nil {
		return nil, statementError(err)
	}
	return dmlResult(kind, tag.RowsAffected()), nil
}

// dmlResult builds the contractual non-SELECT result shape.
func dmlResult(kind CommandKind, rowsAffected int64) map[string]any {
	var message string
	switch kind {
	case CommandInsert:
		message = fmt.Sprintf("Successfully inserted %d row(s)", rowsAffected)
	case CommandUpdate:
		message = fmt.Sprintf("Successfully updated %d row(s)", rowsAffected)
	case CommandDelete:
		message = fmt.Sprintf("Successfully deleted %d row(s)", rowsAffected)
	default:
		message = "Command completed successfully"
	}
	return map[string]any{
		"success":  true,
		"command":  string(kind),
		"rowCount": rowsAffected,
		"message":  message,
	}
}

func (m *Module) listTables(ctx context.Context, conn releasableConn, args map[string]any) (any, error) {
	schema, _ := args["schema"].(string)
	if schema == "" {
		schema = m.pg.DefaultSchema
	}
	rows, err := conn.Query(ctx,
		`SELECT table_name, table_type FROM information_schema.tables
		 WHERE table_schema = $1 ORDER BY table_name`, schema)
	if err != nil {
		return nil, statementError(err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, statementError(err)
	}
	return map[string]any{"schema": schema, "tables": tables}, nil
}

func (m *Module) describeTable(ctx context.Context, conn releasableConn, args map[string]any) (any, error) {
	table, _ := args["table"].(string)
	if table == "" {
		return nil, errors.Newf(errors.ErrInvalidInput, "describe_table requires a table argument")
	}
	schema, _ := args["schema"].(string)
	if schema == "" {
		schema = m.pg.DefaultSchema
	}
	rows, err := conn.Query(ctx,
		`SELECT column_name, data_type, is_nullable, column_default
		 FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, statementError(err)
	}
	columns, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, statementError(err)
	}
	if len(columns) == 0 {
		return nil, errors.Newf(errors.ErrInvalidInput, "table %s.%s does not exist", schema, table)
	}
	return map[string]any{"schema": schema, "table": table, "columns": columns}, nil
}

// statementError wraps a backend failure. The message stays generic; the
// driver error goes to audit through the cause.
func statementError(err error) error {
	return errors.New(errors.ErrDelegationFailed, "database statement failed", err)
}

func (m *Module) auditCall(ctx context.Context, call delegation.Call, kind CommandKind, success bool, err error) {
	metadata := map[string]any{
		audit.MetaModuleName:  m.name,
		audit.MetaToolName:    call.Tool,
		audit.MetaCommandKind: string(kind),
		audit.MetaSessionID:   call.Session.ID(),
	}
	if err != nil {
		metadata[audit.MetaErrorKind] = errors.Kind(err)
		metadata[audit.MetaErrorDetail] = err.Error()
	}
	m.emitter.Emit(ctx, call.Session.UserID(), audit.ActionDelegationCall, success, metadata)
}
