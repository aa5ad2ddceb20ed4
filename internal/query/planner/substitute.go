package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/schema"
)

// substitution maps references to an entity table onto the historic
// relations: the as-of join, the creation join and the journal payload.
type substitution struct {
	rel schema.Relation

	bare   *regexp.Regexp
	quoted *regexp.Regexp
}

func newSubstitution(rel schema.Relation) *substitution {
	table := regexp.QuoteMeta(rel.Table)
	return &substitution{
		rel: rel,
		// A word character or dot before the table name means it is part of a
		// longer identifier, e.g. other_work_packages.id.
		bare:   regexp.MustCompile(`(^|[^\w.])` + table + `\.(\w+)`),
		quoted: regexp.MustCompile(`"` + table + `"\."(\w+)"`),
	}
}

// owns reports whether a column reference addresses the rewritten relation.
func (s *substitution) owns(table string) bool {
	return table == "" || table == s.rel.Table || table == s.rel.JournalTable
}

// column returns the historic operand for a column of the entity table.
func (s *substitution) column(name string) parser.Operand {
	switch name {
	case "id":
		return parser.Col(schema.AsOfAlias, "entity_id")
	case "created_at":
		return parser.Col(schema.CreationAlias, "created_at")
	case "updated_at":
		return parser.Col(schema.AsOfAlias, "recorded_at")
	case schema.EntityDocumentColumn:
		return parser.Col(s.rel.JournalTable, schema.JournalDocumentColumn)
	default:
		return &parser.PayloadRef{Table: s.rel.JournalTable, Field: name}
	}
}

// operand rewrites an operand. Operands of other relations are copied as is.
func (s *substitution) operand(o parser.Operand) parser.Operand {
	switch n := o.(type) {
	case *parser.ColumnRef:
		if !s.owns(n.Table) {
			return parser.CloneOperand(n)
		}
		if n.Table == s.rel.JournalTable && isJournalColumn(n.Column) {
			return parser.CloneOperand(n)
		}
		return s.column(n.Column)
	case *parser.PayloadRef:
		return parser.CloneOperand(n)
	case *parser.RawExpr:
		return &parser.RawExpr{SQL: s.text(n.SQL)}
	default:
		return parser.CloneOperand(o)
	}
}

func isJournalColumn(name string) bool {
	switch name {
	case "entity_id", "version", "recorded_at", schema.JournalDocumentColumn:
		return true
	}
	return false
}

// text rewrites table-qualified references inside raw SQL. Only qualified
// references are touched; bare column names are left to the author.
func (s *substitution) text(sql string) string {
	sql = s.quoted.ReplaceAllStringFunc(sql, func(m string) string {
		column := s.quoted.FindStringSubmatch(m)[1]
		return s.render(column, true)
	})
	return s.bare.ReplaceAllStringFunc(sql, func(m string) string {
		sub := s.bare.FindStringSubmatch(m)
		return sub[1] + s.render(sub[2], false)
	})
}

func (s *substitution) render(column string, quoted bool) string {
	q := func(name string) string {
		if quoted {
			return `"` + name + `"`
		}
		return name
	}
	switch op := s.column(column).(type) {
	case *parser.ColumnRef:
		return q(op.Table) + "." + q(op.Column)
	case *parser.PayloadRef:
		return fmt.Sprintf("json_extract(%s.%s, '$.%s')",
			q(op.Table), q(schema.JournalDocumentColumn), strings.ReplaceAll(op.Field, "'", "''"))
	default:
		return op.String()
	}
}
