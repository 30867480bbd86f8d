// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev user (dev@example.com) already exists.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"kitchen-cloud-sync/engine/internal/config"
	"kitchen-cloud-sync/engine/internal/db"
	"kitchen-cloud-sync/engine/internal/security"
)

const (
	devUserEmail = "dev@example.com"
	devPassword  = "password123"
	devProjectID = "kitchensync-dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()

	var existing string
	err = conn.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, devUserEmail).Scan(&existing)
	if err == nil {
		log.Println("Seed already applied (dev@example.com exists). Skipping.")
		os.Exit(0)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Fatalf("seed check: %v", err)
	}

	hasher := security.NewHasher(0)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	if _, err := conn.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, password_hash, permissions)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		uuid.New().String(), devUserEmail, "Dev User", passwordHash,
		`["sync:read","sync:write"]`,
	); err != nil {
		log.Fatalf("create dev user: %v", err)
	}

	if _, err := conn.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('project_id', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		devProjectID,
	); err != nil {
		log.Fatalf("set project id: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Dev login: %s / %s\n", devUserEmail, devPassword)
}
