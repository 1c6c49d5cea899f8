package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/auth"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation"
	apperrors "github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/session"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/tokenexchange"
)

// fakeRows satisfies pgx.Rows for CollectRows over canned data.
type fakeRows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	idx    int
}

func (*fakeRows) Close()                                       {}
func (*fakeRows) Err() error                                   { return nil }
func (*fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Next() bool                                 { r.idx++; return r.idx <= len(r.data) }
func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return nil
}
func (r *fakeRows) Values() ([]any, error)                     { return r.data[r.idx-1], nil }
func (*fakeRows) RawValues() [][]byte                          { return nil }
func (*fakeRows) Conn() *pgx.Conn                              { return nil }

func rowsOf(columns []string, data ...[]any) *fakeRows {
	fields := make([]pgconn.FieldDescription, len(columns))
	for i, c := range columns {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return &fakeRows{fields: fields, data: data}
}

type fakeConn struct {
	execs     []string
	execArgs  [][]any
	execErrs  map[string]error
	execTag   pgconn.CommandTag
	queryRows *fakeRows
	queryErr  error
	querySQL  []string
	queryArgs [][]any
	released  bool
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.execs = append(c.execs, sql)
	c.execArgs = append(c.execArgs, args)
	if err := c.execErrs[sql]; err != nil {
		return pgconn.CommandTag{}, err
	}
	return c.execTag, nil
}

func (c *fakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.querySQL = append(c.querySQL, sql)
	c.queryArgs = append(c.queryArgs, args)
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.queryRows, nil
}

func (c *fakeConn) Release() { c.released = true }

type fakePool struct {
	conn       *fakeConn
	acquireErr error
	acquired   int
	pingErr    error
	closed     bool
}

func (p *fakePool) Acquire(context.Context) (releasableConn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	return p.conn, nil
}

func (p *fakePool) Ping(context.Context) error { return p.pingErr }
func (p *fakePool) Close()                     { p.closed = true }

type fakeTokens struct {
	token *tokenexchange.Token
	err   error
	calls int
}

func (f *fakeTokens) DelegationToken(context.Context, *session.Session, string, tokenexchange.Options) (*tokenexchange.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func delegatedToken(roles ...string) *tokenexchange.Token {
	return &tokenexchange.Token{
		AccessToken:    "delegated-token",
		ExpiresAt:      time.Now().Add(time.Hour),
		LegacyUsername: "DOMAIN_alice",
		Roles:          roles,
	}
}

func moduleConfig() config.ModuleConfig {
	return config.ModuleConfig{
		Type:            config.ModuleTypePostgres,
		Audience:        "postgres-backend",
		LegacyNameClaim: "legacy_name",
		RolesClaim:      "roles",
		Postgres: &config.PostgresConfig{
			Host:          "db.internal",
			Port:          5432,
			Database:      "corp",
			User:          "gateway-svc",
			DefaultSchema: "public",
		},
	}
}

func testCall(t *testing.T, tool string, args map[string]any) delegation.Call {
	t.Helper()
	m := session.NewManager(config.SessionConfig{
		IdleTimeoutSec:     1800,
		AbsoluteTimeoutSec: 28800,
		SweepIntervalSec:   3600,
	}, audit.NewRecordingSink())
	t.Cleanup(m.Stop)
	s, err := m.GetOrCreate(context.Background(), &auth.ValidatedToken{
		Raw: "requestor-jwt", Subject: "user-1", UserID: "user-1", Username: "alice",
	})
	require.NoError(t, err)
	return delegation.Call{Session: s, RequestorJWT: "requestor-jwt", Tool: tool, Args: args}
}

func newTestModule(t *testing.T, pool connPool, tokens tokenClient) (*Module, *audit.RecordingSink) {
	t.Helper()
	sink := audit.NewRecordingSink()
	m := NewModule("corp-db", moduleConfig(), tokens, sink)
	m.pool = pool
	require.NoError(t, m.Initialize(context.Background()))
	return m, sink
}

func TestDelegateSelect(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{queryRows: rowsOf([]string{"id", "name"}, []any{1, "alice"}, []any{2, "bob"})}
	pool := &fakePool{conn: conn}
	tokens := &fakeTokens{token: delegatedToken(RoleRead)}
	m, sink := newTestModule(t, pool, tokens)

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "SELECT id, name FROM users"})
	result, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)

	// SELECT returns the rows array itself, not a wrapper object.
	assert.Equal(t, []map[string]any{
		{"id": 1, "name": "alice"},
		{"id": 2, "name": "bob"},
	}, result)

	// Role switch bracketed the statement and the connection went back clean.
	assert.Equal(t, []string{`SET ROLE "DOMAIN_alice"`, "RESET ROLE"}, conn.execs)
	assert.True(t, conn.released)

	events := sink.ByAction(audit.ActionDelegationCall)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, "SELECT", events[0].Metadata[audit.MetaCommandKind])
	assert.Equal(t, "corp-db", events[0].Metadata[audit.MetaModuleName])
}

func TestDelegateInsert(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{execTag: pgconn.NewCommandTag("INSERT 0 3")}
	pool := &fakePool{conn: conn}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleWrite)})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "INSERT INTO t VALUES (1), (2), (3)"})
	result, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)

	payload := result.(map[string]any)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "INSERT", payload["command"])
	assert.Equal(t, int64(3), payload["rowCount"])
	assert.Equal(t, "Successfully inserted 3 row(s)", payload["message"])

	assert.Equal(t, []string{
		`SET ROLE "DOMAIN_alice"`,
		"INSERT INTO t VALUES (1), (2), (3)",
		"RESET ROLE",
	}, conn.execs)
}

func TestDelegateInsufficientRole(t *testing.T) {
	t.Parallel()

	pool := &fakePool{conn: &fakeConn{}}
	m, sink := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "DROP TABLE users"})
	_, err := m.Delegate(context.Background(), call)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrInsufficientPermissions))

	// Authorization happens before any connection is taken.
	assert.Equal(t, 0, pool.acquired)

	// The failure is audited but the error names no roles.
	events := sink.ByAction(audit.ActionDelegationCall)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	for _, leaked := range []string{RoleRead, RoleWrite, RoleSQLAdmin, RoleAdmin, "required"} {
		assert.NotContains(t, err.Error(), leaked)
	}
}

func TestDelegateInsufficientRoleMessage(t *testing.T) {
	t.Parallel()

	pool := &fakePool{conn: &fakeConn{}}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "INSERT INTO t(d) VALUES ('x')"})
	_, err := m.Delegate(context.Background(), call)
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "Insufficient permissions to execute INSERT", appErr.Message)
}

func TestDelegateBindsPositionalParams(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{queryRows: rowsOf([]string{"x"}, []any{"hi"})}
	pool := &fakePool{conn: conn}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolQueryDatabase, map[string]any{
		"sql":    "SELECT $1::text AS x",
		"params": []any{"hi"},
	})
	result, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"x": "hi"}}, result)

	require.Len(t, conn.queryArgs, 1)
	assert.Equal(t, []any{"hi"}, conn.queryArgs[0])
}

func TestDelegateBindsParamsForDML(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{execTag: pgconn.NewCommandTag("UPDATE 1")}
	pool := &fakePool{conn: conn}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleWrite)})

	call := testCall(t, ToolQueryDatabase, map[string]any{
		"sql":    "UPDATE t SET d = $1 WHERE id = $2",
		"params": []any{"x", float64(7)},
	})
	result, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "Successfully updated 1 row(s)", result.(map[string]any)["message"])

	require.Len(t, conn.execArgs, 3) // SET ROLE, statement, RESET ROLE
	assert.Equal(t, []any{"x", float64(7)}, conn.execArgs[1])
}

func TestDelegateRejectsNonArrayParams(t *testing.T) {
	t.Parallel()

	pool := &fakePool{conn: &fakeConn{}}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolQueryDatabase, map[string]any{
		"sql":    "SELECT 1",
		"params": "not-an-array",
	})
	_, err := m.Delegate(context.Background(), call)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrInvalidInput))
	assert.Equal(t, 0, pool.acquired)
}

func TestDelegateAdminMayDrop(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{execTag: pgconn.NewCommandTag("DROP TABLE")}
	pool := &fakePool{conn: conn}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleAdmin)})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "DROP TABLE users"})
	result, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, true, result.(map[string]any)["success"])
	assert.Equal(t, []string{`SET ROLE "DOMAIN_alice"`, "DROP TABLE users", "RESET ROLE"}, conn.execs)
}

func TestDelegateResetsRoleOnStatementFailure(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{queryErr: context.DeadlineExceeded}
	pool := &fakePool{conn: conn}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "SELECT pg_sleep(3600)"})
	_, err := m.Delegate(context.Background(), call)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrDelegationFailed))

	assert.Equal(t, []string{`SET ROLE "DOMAIN_alice"`, "RESET ROLE"}, conn.execs)
	assert.True(t, conn.released)
}

func TestDelegateReleasesOnSetRoleFailure(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{execErrs: map[string]error{
		`SET ROLE "DOMAIN_alice"`: assert.AnError,
	}}
	pool := &fakePool{conn: conn}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "SELECT 1"})
	_, err := m.Delegate(context.Background(), call)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrDelegationFailed))
	assert.True(t, conn.released)
}

func TestDelegateQuotesRoleIdentifier(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{queryRows: rowsOf([]string{"ok"}, []any{true})}
	pool := &fakePool{conn: conn}
	token := delegatedToken(RoleRead)
	token.LegacyUsername = `evil"user`
	m, _ := newTestModule(t, pool, &fakeTokens{token: token})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "SELECT 1"})
	_, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, `SET ROLE "evil""user"`, conn.execs[0])
}

func TestDelegateMissingLegacyName(t *testing.T) {
	t.Parallel()

	pool := &fakePool{conn: &fakeConn{}}
	token := delegatedToken(RoleRead)
	token.LegacyUsername = ""
	m, _ := newTestModule(t, pool, &fakeTokens{token: token})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "SELECT 1"})
	_, err := m.Delegate(context.Background(), call)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrDelegationMissingClaim))
	assert.Equal(t, 0, pool.acquired)
}

func TestDelegateRecordsLegacyNameOnSession(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{queryRows: rowsOf([]string{"ok"}, []any{true})}
	m, _ := newTestModule(t, &fakePool{conn: conn}, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "SELECT 1"})
	_, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)

	value, ok := call.Session.CustomClaim("legacy_name")
	require.True(t, ok)
	assert.Equal(t, "DOMAIN_alice", value)
}

func TestDelegateMissingSQLArgument(t *testing.T) {
	t.Parallel()

	m, _ := newTestModule(t, &fakePool{conn: &fakeConn{}}, &fakeTokens{token: delegatedToken(RoleRead)})
	call := testCall(t, ToolQueryDatabase, map[string]any{})
	_, err := m.Delegate(context.Background(), call)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrInvalidInput))
}

func TestListTablesDefaultsSchema(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{queryRows: rowsOf(
		[]string{"table_name", "table_type"},
		[]any{"accounts", "BASE TABLE"},
	)}
	m, _ := newTestModule(t, &fakePool{conn: conn}, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolListTables, map[string]any{})
	result, err := m.Delegate(context.Background(), call)
	require.NoError(t, err)

	payload := result.(map[string]any)
	assert.Equal(t, "public", payload["schema"])
	require.Len(t, conn.querySQL, 1)
	assert.Contains(t, conn.querySQL[0], "information_schema.tables")
	assert.Equal(t, []string{`SET ROLE "DOMAIN_alice"`, "RESET ROLE"}, conn.execs)
}

func TestDescribeTableUnknownTable(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{queryRows: rowsOf([]string{"column_name"})}
	m, _ := newTestModule(t, &fakePool{conn: conn}, &fakeTokens{token: delegatedToken(RoleRead)})

	call := testCall(t, ToolDescribeTable, map[string]any{"table": "ghost"})
	_, err := m.Delegate(context.Background(), call)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrInvalidInput))
}

func TestIntrospectionRequiresReadRole(t *testing.T) {
	t.Parallel()

	pool := &fakePool{conn: &fakeConn{}}
	m, _ := newTestModule(t, pool, &fakeTokens{token: delegatedToken("unrelated-role")})

	call := testCall(t, ToolListTables, map[string]any{})
	_, err := m.Delegate(context.Background(), call)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrInsufficientPermissions))
	assert.Equal(t, 0, pool.acquired)
}

func TestHealthLifecycle(t *testing.T) {
	t.Parallel()

	pool := &fakePool{conn: &fakeConn{}}
	sink := audit.NewRecordingSink()
	m := NewModule("corp-db", moduleConfig(), &fakeTokens{}, sink)
	assert.Equal(t, delegation.HealthUnavailable, m.Health())

	m.pool = pool
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, delegation.HealthReady, m.Health())

	pool.pingErr = assert.AnError
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, delegation.HealthDegraded, m.Health())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, pool.closed)
	assert.Equal(t, delegation.HealthUnavailable, m.Health())
}

func TestDelegateTokenExchangeFailure(t *testing.T) {
	t.Parallel()

	pool := &fakePool{conn: &fakeConn{}}
	tokens := &fakeTokens{err: apperrors.Newf(apperrors.ErrTokenExchangeFailed, "upstream rejected the exchange")}
	m, sink := newTestModule(t, pool, tokens)

	call := testCall(t, ToolQueryDatabase, map[string]any{"sql": "SELECT 1"})
	_, err := m.Delegate(context.Background(), call)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrTokenExchangeFailed))
	assert.Equal(t, 0, pool.acquired)

	events := sink.ByAction(audit.ActionDelegationCall)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}
