// Package models contains GORM persistence models. Domain types stay free
// of ORM tags; repositories convert with ToDomain / FromDomain.
//
//   - base.go: fields shared by tenant-owned tables
//   - outbox.go: the platform-owned outbox_records table
//   - event.go: the tenant-owned events table
package models
