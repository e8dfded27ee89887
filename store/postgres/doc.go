// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: transactional optimistic event appends, row-level cron
// locks, a singleton leader lease, embedded SQL migrations.
package postgres
