package telemetry

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}
	action := args[0]

	fsys, err := getMigrationsFS()
	if err != nil {
		log.Fatalf("Failed to get migrations filesystem: %v", err)
	}

	db, err := Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch action {
	case "up":
		handleMigrateUp(db, fsys)
	case "down":
		handleMigrateDown(db, fsys)
	case "status":
		handleMigrateStatus(db, fsys)
	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: linkd migrate force <version_number>")
		}
		handleMigrateForce(db, fsys, args[1])
	case "help":
		PrintMigrateHelp()
	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func handleMigrateUp(db *DB, fsys fs.FS) {
	log.Printf("Running migrations...")
	if err := db.MigrateUp(fsys); err != nil {
		log.Fatalf("Migration up failed: %v", err)
	}
	log.Println("All migrations applied successfully")
	version, dirty, _ := db.MigrateVersion(fsys)
	log.Printf("Current version: %d (dirty: %v)", version, dirty)
}

func handleMigrateDown(db *DB, fsys fs.FS) {
	log.Printf("Rolling back one migration...")
	if err := db.MigrateDown(fsys); err != nil {
		log.Fatalf("Migration down failed: %v", err)
	}
	log.Println("Migration rolled back successfully")
	version, dirty, _ := db.MigrateVersion(fsys)
	log.Printf("Current version: %d (dirty: %v)", version, dirty)
}

func handleMigrateStatus(db *DB, fsys fs.FS) {
	version, dirty, err := db.MigrateVersion(fsys)
	if err != nil {
		log.Fatalf("Failed to get migration status: %v", err)
	}
	fmt.Println("=== Migration Status ===")
	fmt.Printf("Current version: %d\n", version)
	fmt.Printf("Dirty: %v\n", dirty)
	if dirty {
		fmt.Println("\nWARNING: a migration failed mid-execution.")
		fmt.Println("Inspect the database, then recover with:")
		fmt.Println("  linkd migrate force <version>")
	}
}

func handleMigrateForce(db *DB, fsys fs.FS, versionArg string) {
	version, err := strconv.Atoi(versionArg)
	if err != nil {
		log.Fatalf("Invalid version %q: %v", versionArg, err)
	}
	if err := db.MigrateForce(fsys, version); err != nil {
		log.Fatalf("Force migration failed: %v", err)
	}
	log.Printf("Migration version forced to %d", version)
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp() {
	fmt.Println(`Usage: linkd migrate <action>

Actions:
  up              Apply all pending migrations
  down            Roll back the most recent migration
  status          Show the current migration version
  force <ver>     Force the version (recover from a dirty state)
  help            Show this help`)
}
