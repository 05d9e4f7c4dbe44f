package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/database"
)

// check-inventory lists schedules whose available_seats no longer equals
// capacity minus the booked seat count. With -fix the counter is rewritten
// from the booked seat list.
func main() {
	var (
		dbURLFlag string
		fix       bool
	)
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.BoolVar(&fix, "fix", false, "Recompute available_seats for inconsistent schedules")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	db, err := database.NewConnection(config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     5,
		MaxIdleConnections: 2,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := database.NewPostgresStore(db.DB)
	schedules, err := store.ListInconsistentSchedules(ctx)
	if err != nil {
		log.Fatalf("failed to scan schedules: %v", err)
	}

	if len(schedules) == 0 {
		fmt.Println("All schedules consistent.")
		return
	}

	fmt.Printf("%d inconsistent schedule(s):\n", len(schedules))
	for _, s := range schedules {
		fmt.Printf("  %s capacity=%d booked=%d available=%d (expected %d)\n",
			s.ID, s.Capacity, len(s.BookedSeats), s.AvailableSeats, s.Capacity-len(s.BookedSeats))
	}

	if !fix {
		os.Exit(1)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE schedules
		SET available_seats = capacity - COALESCE(cardinality(booked_seats), 0),
		    version = version + 1,
		    updated_at = NOW()
		WHERE available_seats <> capacity - COALESCE(cardinality(booked_seats), 0)`)
	if err != nil {
		log.Fatalf("failed to repair schedules: %v", err)
	}
	rows, _ := result.RowsAffected()
	fmt.Printf("Repaired %d schedule(s).\n", rows)
}
