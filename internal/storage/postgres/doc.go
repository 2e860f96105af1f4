// Package postgres mirrors harvested branch rows into a Postgres table.
package postgres
