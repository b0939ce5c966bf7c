package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/kdimtricp/proctorwatch/internal/database"
	"github.com/kdimtricp/proctorwatch/migrations"
)

func main() {
	var (
		dbType         = flag.String("db", "postgres", "Database type (postgres or sqlite)")
		host           = flag.String("host", "localhost", "Database host")
		port           = flag.Int("port", 5432, "Database port")
		user           = flag.String("user", "proctorwatch", "Database user")
		password       = flag.String("password", "proctorwatch_dev", "Database password")
		dbName         = flag.String("name", "proctorwatch", "Database name")
		sqlitePath     = flag.String("path", "./proctorwatch.db", "SQLite database path")
		migrationsPath = flag.String("migrations", "", "Path to migrations directory (default: embedded)")
		status         = flag.Bool("status", false, "Show migration status only")
	)
	flag.Parse()

	config := database.Config{
		Type:       *dbType,
		Host:       *host,
		Port:       *port,
		User:       *user,
		Password:   *password,
		Name:       *dbName,
		SQLitePath: *sqlitePath,
	}

	// Override with environment variables if set
	if env := os.Getenv("DB_TYPE"); env != "" {
		config.Type = env
	}
	if env := os.Getenv("DB_HOST"); env != "" {
		config.Host = env
	}
	if env := os.Getenv("DB_USER"); env != "" {
		config.User = env
	}
	if env := os.Getenv("DB_PASSWORD"); env != "" {
		config.Password = env
	}
	if env := os.Getenv("DB_NAME"); env != "" {
		config.Name = env
	}
	if env := os.Getenv("DB_PATH"); env != "" {
		config.SQLitePath = env
	}

	db, err := database.NewDB(config)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	var source fs.FS = migrations.FS
	if *migrationsPath != "" {
		source = os.DirFS(*migrationsPath)
	}
	migrator := database.NewMigrator(db, source)
	ctx := context.Background()

	if *status {
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal("Failed to read migration status:", err)
		}

		fmt.Println("Migration Status:")
		fmt.Println("=================")
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s - %s [%s]\n", s.Version, s.Name, state)
		}
		return
	}

	if db.Type() != database.TypePostgres {
		fmt.Println("SQLite schema is created on connect; nothing to migrate.")
		return
	}

	applied, err := migrator.Run(ctx)
	if err != nil {
		log.Fatal("Failed to run migrations:", err)
	}
	fmt.Printf("Migrations completed successfully! (%d applied)\n", applied)
}
