package cli

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/lucasnoah/bunkerconvert/internal/db"
)

func TestSessionClosesDatabaseWhenPublishSetupFails(t *testing.T) {
	url := os.Getenv("BUNKER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BUNKER_TEST_DATABASE_URL not set")
	}
	_, recipePath := setupWorkspace(t, testRecipe)
	t.Setenv("BUNKER_DATABASE_URL", url)
	t.Setenv("BUNKER_S3_ENDPOINT", "")

	var opened *db.DB
	orig := openDatabase
	openDatabase = func(ctx context.Context, url string) (*db.DB, error) {
		d, err := orig(ctx, url)
		opened = d
		return d, err
	}
	t.Cleanup(func() { openDatabase = orig })

	_, err := executeCommand("run", recipePath, "--device-policy", "cpu", "--record", "--publish")
	if err == nil || !strings.Contains(err.Error(), "--publish requires") {
		t.Fatalf("err = %v, want publish setup failure", err)
	}
	if opened == nil {
		t.Fatal("database was never opened")
	}
	if err := opened.Conn().PingContext(context.Background()); err == nil {
		t.Error("database still open after session setup failed")
	}
}
