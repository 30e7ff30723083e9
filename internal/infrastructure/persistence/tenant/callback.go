package tenant

import (
	"errors"
	"regexp"
	"strings"

	"github.com/relay/backend/internal/infrastructure/tenancy"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTenantIDRequired is returned by the application filter when a
// tenant-owned table is queried without an active tenant scope
var ErrTenantIDRequired = errors.New("tenant_id is required but no tenant scope is active")

// TenantCallback adds "tenant_id = <scope tenant>" to queries, updates and
// deletes against tenant-owned tables. It is a second line of defence; the
// row-level security policies are what actually isolate tenants.
type TenantCallback struct {
	tenantColumn string
	required     bool
	tables       map[string]struct{}
	predicate    *regexp.Regexp
}

// NewTenantCallback creates a filter for the given tables
func NewTenantCallback(tenantColumn string, required bool, tables ...string) *TenantCallback {
	if tenantColumn == "" {
		tenantColumn = "tenant_id"
	}
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return &TenantCallback{
		tenantColumn: tenantColumn,
		required:     required,
		tables:       set,
		predicate:    tenantPredicate(tenantColumn),
	}
}

// tenantPredicate matches a raw condition that is exactly "column = ?" or
// "column IN ?", optionally table-qualified and quoted
func tenantPredicate(column string) *regexp.Regexp {
	ident := "[\"`]?" + regexp.QuoteMeta(column) + "[\"`]?"
	return regexp.MustCompile(`(?i)^\s*(?:[\w"` + "`" + `]+\.)?` + ident + `\s*(?:=\s*\?|IN\s*\(?\s*\?\s*\)?)\s*$`)
}

// RegisterCallbacks registers tenant callbacks with GORM.
// Creates are not filtered: repositories stamp the owner explicitly.
func (tc *TenantCallback) RegisterCallbacks(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant:before_query", tc.addTenantFilter); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant:before_update", tc.addTenantFilter); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant:before_delete", tc.addTenantFilter); err != nil {
		return err
	}
	return db.Callback().Row().Before("gorm:row").Register("tenant:before_row", tc.addTenantFilter)
}

func (tc *TenantCallback) addTenantFilter(db *gorm.DB) {
	if db.Statement.Context == nil || db.Statement.Unscoped {
		return
	}
	if _, ok := tc.tables[db.Statement.Table]; !ok {
		return
	}
	// raw SQL never gets a WHERE clause appended; row-level security covers it
	if db.Statement.SQL.Len() > 0 {
		return
	}
	if tc.hasTenantCondition(db) {
		return
	}

	tenantID, ok := tenancy.TenantID(db.Statement.Context)
	if !ok {
		if tc.required {
			_ = db.AddError(ErrTenantIDRequired)
		}
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: clause.CurrentTable, Name: tc.tenantColumn},
				Value:  tenantID,
			},
		},
	})
}

// hasTenantCondition reports whether the WHERE clause already pins the
// tenant column with an equality or IN predicate at its top level. Anything
// looser, such as tenant_id <> ? or an OR branch, still gets the filter.
func (tc *TenantCallback) hasTenantCondition(db *gorm.DB) bool {
	whereClause, ok := db.Statement.Clauses["WHERE"]
	if !ok {
		return false
	}
	where, ok := whereClause.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, expr := range where.Exprs {
		if tc.pinsTenant(expr) {
			return true
		}
	}
	return false
}

func (tc *TenantCallback) pinsTenant(expr clause.Expression) bool {
	switch e := expr.(type) {
	case clause.Eq:
		return tc.isTenantColumn(e.Column) && e.Value != nil
	case clause.IN:
		return tc.isTenantColumn(e.Column) && len(e.Values) > 0
	case clause.Expr:
		return tc.predicate.MatchString(e.SQL)
	case clause.AndConditions:
		for _, cond := range e.Exprs {
			if tc.pinsTenant(cond) {
				return true
			}
		}
	}
	return false
}

func (tc *TenantCallback) isTenantColumn(column any) bool {
	switch c := column.(type) {
	case clause.Column:
		return c.Name == tc.tenantColumn
	case string:
		name := c[strings.LastIndex(c, ".")+1:]
		return strings.Trim(name, "\"`") == tc.tenantColumn
	}
	return false
}

// EnableAutoTenantFilter registers the application tenant filter for tables
func EnableAutoTenantFilter(db *gorm.DB, required bool, tables ...string) error {
	return NewTenantCallback("tenant_id", required, tables...).RegisterCallbacks(db)
}

// DisableAutoTenantFilter removes the tenant callbacks
func DisableAutoTenantFilter(db *gorm.DB) {
	_ = db.Callback().Query().Remove("tenant:before_query")
	_ = db.Callback().Update().Remove("tenant:before_update")
	_ = db.Callback().Delete().Remove("tenant:before_delete")
	_ = db.Callback().Row().Remove("tenant:before_row")
}
