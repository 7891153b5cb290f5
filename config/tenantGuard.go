package config

import (
	"reflect"
	"strings"

	"github.com/mmdatafocus/vendsync/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const businessColumn = "business_id"

// BusinessScopePlugin keeps every statement on a business-owned table inside
// the business carried by its context. Reads, updates and deletes get a
// business_id filter unless one is already present; creates get an empty
// BusinessId stamped. Raw SQL is not scoped.
type BusinessScopePlugin struct{}

func NewBusinessScopePlugin() *BusinessScopePlugin { return &BusinessScopePlugin{} }

func (p *BusinessScopePlugin) Name() string { return "vendsync:business_scope" }

func (p *BusinessScopePlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	steps := []error{
		cb.Query().Before("gorm:query").Register("business_scope:query", scopeToBusiness),
		cb.Row().Before("gorm:row").Register("business_scope:row", scopeToBusiness),
		cb.Update().Before("gorm:update").Register("business_scope:update", scopeToBusiness),
		cb.Delete().Before("gorm:delete").Register("business_scope:delete", scopeToBusiness),
		cb.Create().Before("gorm:create").Register("business_scope:create", stampBusiness),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	return nil
}

// scopedBusiness returns the business to enforce, or "" when the statement is
// unscoped (no business in ctx, skip flag set, or no business_id column).
func scopedBusiness(db *gorm.DB) string {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return ""
	}
	ctx := db.Statement.Context
	if skip, _ := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); skip {
		return ""
	}
	biz, _ := appctx.GetString(ctx, appctx.ContextKeyBusinessId)
	if biz == "" || db.Statement.Schema.LookUpField(businessColumn) == nil {
		return ""
	}
	return biz
}

func scopeToBusiness(db *gorm.DB) {
	biz := scopedBusiness(db)
	if biz == "" || filtersBusiness(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: businessColumn}, Value: biz},
	}})
}

func stampBusiness(db *gorm.DB) {
	biz := scopedBusiness(db)
	if biz == "" {
		return
	}
	field := db.Statement.Schema.LookUpField(businessColumn)
	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			stampRow(db, field, rv.Index(i), biz)
		}
	case reflect.Struct:
		stampRow(db, field, rv, biz)
	}
}

func stampRow(db *gorm.DB, field *schema.Field, row reflect.Value, biz string) {
	ctx := db.Statement.Context
	row = reflect.Indirect(row)
	if _, zero := field.ValueOf(ctx, row); !zero {
		return
	}
	if err := field.Set(ctx, row, biz); err != nil {
		_ = db.AddError(err)
	}
}

func filtersBusiness(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if mentionsBusiness(e) {
			return true
		}
	}
	return false
}

func mentionsBusiness(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return isBusinessColumn(v.Column)
	case clause.IN:
		return isBusinessColumn(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if mentionsBusiness(x) {
				return true
			}
		}
	case clause.Expr:
		// string conditions such as Where("business_id = ?", id)
		return strings.Contains(strings.ToLower(v.SQL), businessColumn)
	}
	return false
}

func isBusinessColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, businessColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, businessColumn)
	}
	return false
}
