// Package telemetry persists link history in SQLite: sessions,
// watchdog transitions and windowed cycle-timing aggregates. The
// stores run off the real-time path; recorders hand data over from the
// network and monitoring goroutines.
package telemetry

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the telemetry database without
// touching the schema; migrations manage that.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	return &DB{db}, nil
}

// OpenAndMigrate opens the database and applies all pending
// migrations.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	fsys, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(fsys); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// AttachAdminRoutes mounts the debug surface on mux: a read-only
// tailsql browser over the telemetry database and an on-demand
// gzipped backup download via VACUUM INTO.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://motionlink.db", db.DB, &tailsql.DBOptions{
		Label: "Link telemetry",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the telemetry database now",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
			if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
				http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
				return
			}
			backupFile, err := os.Open(backupPath)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
				return
			}
			defer func() {
				backupFile.Close()
				if err := os.Remove(backupPath); err != nil {
					log.Printf("failed to remove backup file: %v", err)
				}
			}()

			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Encoding", "gzip")

			gz := gzip.NewWriter(w)
			defer gz.Close()
			if _, err := io.Copy(gz, backupFile); err != nil {
				log.Printf("failed to write backup: %v", err)
			}
		}))
}
