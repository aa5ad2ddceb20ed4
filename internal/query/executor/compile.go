package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/observability"
	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/pkg/types"
)

// Statement is compiled SQL with its positional arguments in textual order.
type Statement struct {
	SQL  string
	Args []interface{}
}

// Compiler renders the query IR as SQLite SQL. Columns of catalog tables that
// are not physical are read from the table's JSON document.
type Compiler struct {
	catalog *schema.Catalog
	stats   *observability.QueryStats
}

// NewCompiler creates a compiler. stats may be nil.
func NewCompiler(catalog *schema.Catalog, stats *observability.QueryStats) *Compiler {
	return &Compiler{catalog: catalog, stats: stats}
}

// Compile renders q. now resolves relative as-of timestamps.
func (c *Compiler) Compile(q *parser.Query, now time.Time) (Statement, error) {
	if q == nil {
		return Statement{}, errors.NewInvalidInput("cannot compile a nil query")
	}
	b := &sqlBuilder{compiler: c, now: now}
	if err := b.query(q); err != nil {
		return Statement{}, err
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}

type sqlBuilder struct {
	compiler *Compiler
	now      time.Time
	sb       strings.Builder
	args     []interface{}
	aliases  map[string]string
	inJoin   int
}

func (b *sqlBuilder) write(parts ...string) {
	for _, p := range parts {
		b.sb.WriteString(p)
	}
}

func (b *sqlBuilder) bind(v interface{}) {
	b.sb.WriteString("?")
	b.args = append(b.args, sqlArg(v, b.now))
}

// sqlArg converts IR literals to driver values. Instants use the storage
// layout so they compare correctly with persisted columns.
func sqlArg(v interface{}, now time.Time) interface{} {
	switch val := v.(type) {
	case types.Value:
		if val.Kind() == types.KindTime {
			return types.FormatStorageTime(val.Time())
		}
		return val.Interface()
	case time.Time:
		return types.FormatStorageTime(val)
	case types.Timestamp:
		return types.FormatStorageTime(val.Resolve(now))
	case int:
		return int64(val)
	default:
		return v
	}
}

func identifier(kind, name string) error {
	if !schema.ValidateIdentifier(name) {
		return errors.NewInvalidInput("invalid %s name %q", kind, name)
	}
	return nil
}

func (b *sqlBuilder) query(q *parser.Query) error {
	if err := identifier("table", q.From); err != nil {
		return err
	}

	outer := b.aliases
	b.aliases = map[string]string{}
	defer func() { b.aliases = outer }()
	for _, j := range q.Joins {
		if j.Role == parser.JoinRegular && j.Alias != "" {
			b.aliases[j.Alias] = j.Table
		}
	}

	b.write("SELECT ")
	if q.Distinct {
		b.write("DISTINCT ")
	}
	if len(q.Columns) == 0 {
		b.write(q.From, ".*")
	}
	for i, col := range q.Columns {
		if i > 0 {
			b.write(", ")
		}
		if err := b.operand(col.Expr); err != nil {
			return err
		}
		if col.Alias != "" {
			b.write(` AS "`, strings.ReplaceAll(col.Alias, `"`, `""`), `"`)
		}
	}

	b.write(" FROM ", q.From)

	for _, j := range q.Joins {
		if err := b.join(j); err != nil {
			return err
		}
	}

	if len(q.Where) > 0 {
		b.write(" WHERE ")
		if err := b.conjunction(q.Where); err != nil {
			return err
		}
	}

	for i, o := range q.OrderBy {
		if i == 0 {
			b.write(" ORDER BY ")
		} else {
			b.write(", ")
		}
		if err := b.operand(o.Expr); err != nil {
			return err
		}
		if o.Desc {
			b.write(" DESC")
		} else {
			b.write(" ASC")
		}
	}

	if q.Limit != nil {
		b.write(fmt.Sprintf(" LIMIT %d", *q.Limit))
	}
	return nil
}

func (b *sqlBuilder) join(j parser.Join) error {
	if j.Raw != "" {
		b.write(" ", j.Raw)
		return nil
	}

	b.write(" ", j.Kind.String(), " ")
	switch j.Role {
	case parser.JoinAsOf:
		if err := identifier("journal table", j.JournalTable); err != nil {
			return err
		}
		// Per entity, the highest version recorded at or before the instant.
		b.write("(SELECT id, entity_id, version, recorded_at FROM (",
			"SELECT id, entity_id, version, recorded_at, ",
			"ROW_NUMBER() OVER (PARTITION BY entity_id ORDER BY version DESC) AS rn ",
			"FROM ", j.JournalTable, " WHERE recorded_at <= ")
		b.bind(j.Timestamp)
		b.write(") WHERE rn = 1)")
	case parser.JoinCreation:
		if err := identifier("entity table", j.EntityTable); err != nil {
			return err
		}
		b.write("(SELECT id, created_at FROM ", j.EntityTable, ")")
	default:
		if err := identifier("table", j.Table); err != nil {
			return err
		}
		b.write(j.Table)
	}

	if j.Alias != "" {
		if err := identifier("alias", j.Alias); err != nil {
			return err
		}
		b.write(" AS ", j.Alias)
	}
	if len(j.On) > 0 {
		b.write(" ON ")
		b.inJoin++
		defer func() { b.inJoin-- }()
		return b.conjunction(j.On)
	}
	return nil
}

func (b *sqlBuilder) conjunction(preds []parser.Predicate) error {
	for i, p := range preds {
		if i > 0 {
			b.write(" AND ")
		}
		if err := b.predicate(p); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqlBuilder) predicate(p parser.Predicate) error {
	switch n := p.(type) {
	case *parser.Equality:
		return b.binary(n.Left, "=", n.Right)

	case *parser.NotEqual:
		return b.binary(n.Left, "<>", n.Right)

	case *parser.Comparison:
		if err := b.binary(n.Left, n.Op.String(), n.Right); err != nil {
			return err
		}
		if n.Op == parser.OpLike || n.Op == parser.OpNotLike {
			b.write(` ESCAPE '\'`)
		}
		return nil

	case *parser.Membership:
		b.record(n.Left, "IN")
		if n.Subquery == nil && len(n.Values) == 0 {
			// IN () is not valid SQL; an empty set matches nothing.
			if n.Negated {
				b.write("1 = 1")
			} else {
				b.write("1 = 0")
			}
			return nil
		}
		if err := b.operand(n.Left); err != nil {
			return err
		}
		if n.Negated {
			b.write(" NOT")
		}
		b.write(" IN (")
		if n.Subquery != nil {
			if err := b.query(n.Subquery); err != nil {
				return err
			}
		} else {
			for i, v := range n.Values {
				if i > 0 {
					b.write(", ")
				}
				if err := b.comparand(v); err != nil {
					return err
				}
			}
		}
		b.write(")")
		return nil

	case *parser.Grouping:
		if len(n.Children) == 0 {
			if n.Op == parser.Or {
				b.write("1 = 0")
			} else {
				b.write("1 = 1")
			}
			return nil
		}
		b.write("(")
		for i, child := range n.Children {
			if i > 0 {
				b.write(" ", n.Op.String(), " ")
			}
			if err := b.predicate(child); err != nil {
				return err
			}
		}
		b.write(")")
		return nil

	case *parser.RawFragment:
		b.write("(", n.SQL, ")")
		for _, a := range n.Args {
			b.args = append(b.args, sqlArg(a, b.now))
		}
		return nil

	case *parser.Exists:
		if n.Negated {
			b.write("NOT ")
		}
		b.write("EXISTS (")
		if err := b.query(n.Subquery); err != nil {
			return err
		}
		b.write(")")
		return nil

	default:
		return errors.NewUnsupportedPredicate(fmt.Sprintf("%T", p))
	}
}

// binary renders left op right. Comparisons against a NULL literal become
// IS [NOT] NULL so they behave as callers expect.
func (b *sqlBuilder) binary(left parser.Operand, op string, right parser.Operand) error {
	b.record(left, op)
	if lit, ok := right.(*parser.Literal); ok && lit.Value == nil && (op == "=" || op == "<>") {
		if err := b.operand(left); err != nil {
			return err
		}
		if op == "=" {
			b.write(" IS NULL")
		} else {
			b.write(" IS NOT NULL")
		}
		return nil
	}

	if op == "LIKE" || op == "NOT LIKE" {
		if err := b.operand(left); err != nil {
			return err
		}
		b.write(" ", op, " ")
		return b.operand(right)
	}
	if err := b.comparand(left); err != nil {
		return err
	}
	b.write(" ", op, " ")
	return b.comparand(right)
}

// comparand renders one side of a comparison. String literals holding an
// RFC 3339 instant are bound in the storage layout, since instants are
// compared as text.
func (b *sqlBuilder) comparand(o parser.Operand) error {
	if lit, ok := o.(*parser.Literal); ok {
		if s, ok := lit.Value.(string); ok {
			if v := types.ValueOf(s); v.Kind() == types.KindTime {
				b.bind(v)
				return nil
			}
		}
	}
	return b.operand(o)
}

// record counts filtered columns and payload fields. Join conditions are not
// filters and are skipped.
func (b *sqlBuilder) record(o parser.Operand, op string) {
	stats := b.compiler.stats
	if stats == nil || b.inJoin > 0 {
		return
	}
	switch n := o.(type) {
	case *parser.ColumnRef:
		if field, ok := b.documentField(n); ok {
			stats.RecordPayloadField(field, op)
			return
		}
		stats.RecordPredicate(n.String(), op)
	case *parser.PayloadRef:
		stats.RecordPayloadField(n.Field, op)
	}
}

// documentField reports whether a column reference addresses a field inside
// a catalog table's JSON document.
func (b *sqlBuilder) documentField(col *parser.ColumnRef) (string, bool) {
	table := col.Table
	if resolved, ok := b.aliases[table]; ok {
		table = resolved
	}
	if b.compiler.catalog == nil {
		return "", false
	}
	_, physical, known := b.compiler.catalog.DocumentColumn(table, col.Column)
	if !known || physical {
		return "", false
	}
	return col.Column, true
}

func (b *sqlBuilder) operand(o parser.Operand) error {
	switch n := o.(type) {
	case *parser.ColumnRef:
		if n.Table != "" {
			if err := identifier("table", n.Table); err != nil {
				return err
			}
		}
		if err := identifier("column", n.Column); err != nil {
			return err
		}
		if field, ok := b.documentField(n); ok {
			table := n.Table
			doc, _, _ := b.compiler.catalog.DocumentColumn(b.resolve(table), field)
			b.write(jsonExtract(table, doc, field))
			return nil
		}
		b.write(n.String())
		return nil

	case *parser.PayloadRef:
		if err := identifier("table", n.Table); err != nil {
			return err
		}
		b.write(jsonExtract(n.Table, schema.JournalDocumentColumn, n.Field))
		return nil

	case *parser.Literal:
		b.bind(n.Value)
		return nil

	case *parser.RawExpr:
		b.write(n.SQL)
		return nil

	default:
		return errors.NewInvalidInput("unsupported operand %T", o)
	}
}

func (b *sqlBuilder) resolve(table string) string {
	if resolved, ok := b.aliases[table]; ok {
		return resolved
	}
	return table
}

// jsonExtract reads a field of a JSON document column. Field names that are
// not plain identifiers are quoted inside the path.
func jsonExtract(table, doc, field string) string {
	path := "$." + field
	if !schema.ValidateIdentifier(field) {
		path = `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	}
	return fmt.Sprintf("json_extract(%s.%s, '%s')", table, doc, strings.ReplaceAll(path, "'", "''"))
}
