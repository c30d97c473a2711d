package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"imagine/internal/adapter/repo"
	"imagine/internal/domain"
)

func main() {
	var (
		idFlag   string
		bulkFlag string
		auditTag bool
	)

	flag.StringVar(&idFlag, "id", "", "imagination ID to inspect (UUID)")
	flag.StringVar(&bulkFlag, "bulk", "", "bulk ID to inspect (UUID)")
	flag.BoolVar(&auditTag, "audit", false, "print the audit trail for the entity")
	flag.Parse()

	id := strings.TrimSpace(idFlag)
	bulkID := strings.TrimSpace(bulkFlag)
	if id == "" && bulkID == "" {
		exitWithError(errors.New("either -id or -bulk must be provided"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("connect database: %w", err))
	}
	defer pool.Close()

	if id != "" {
		item, err := repo.NewImaginationRepository(pool).GetByID(ctx, id)
		if err != nil {
			exitWithError(fmt.Errorf("load imagination: %w", err))
		}
		printJSON(imaginationView(item))
		if auditTag {
			printAudit(ctx, pool, item.ID)
		}
		return
	}

	bulk, err := repo.NewBulkRepository(pool).GetByID(ctx, bulkID)
	if err != nil {
		exitWithError(fmt.Errorf("load bulk: %w", err))
	}
	printJSON(map[string]any{
		"id":              bulk.ID,
		"user_id":         bulk.UserID,
		"status":          bulk.Status,
		"total_tasks":     bulk.TotalTasks,
		"total_completed": bulk.TotalCompleted,
		"total_failed":    bulk.TotalFailed,
		"errors":          bulk.Errors,
		"created_at":      bulk.CreatedAt,
		"completed_at":    bulk.CompletedAt,
	})

	children, err := repo.NewImaginationRepository(pool).ListByBulk(ctx, bulk.ID)
	if err != nil {
		exitWithError(fmt.Errorf("list children: %w", err))
	}
	for _, child := range children {
		printJSON(imaginationView(child))
	}
	if auditTag {
		printAudit(ctx, pool, bulk.ID)
	}
}

func imaginationView(item *domain.Imagination) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"user_id":     item.UserID,
		"engine":      item.Engine,
		"status":      item.Status,
		"percentage":  item.Percentage,
		"retry_count": item.RetryCount,
		"external_id": item.ExternalID(),
		"results":     item.Results,
		"error":       item.Error,
		"bulk_id":     item.BulkID,
		"updated_at":  item.UpdatedAt,
	}
}

func printAudit(ctx context.Context, pool *pgxpool.Pool, entityID string) {
	rows, err := pool.Query(ctx, `SELECT message, created_at FROM audit_entries WHERE entity_id = $1 ORDER BY created_at;`, entityID)
	if err != nil {
		exitWithError(fmt.Errorf("load audit trail: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			message   string
			createdAt time.Time
		)
		if err := rows.Scan(&message, &createdAt); err != nil {
			exitWithError(fmt.Errorf("scan audit entry: %w", err))
		}
		fmt.Printf("%s  %s\n", createdAt.Format(time.RFC3339), message)
	}
	if err := rows.Err(); err != nil {
		exitWithError(fmt.Errorf("read audit trail: %w", err))
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitWithError(err)
	}
	fmt.Println(string(out))
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
