package onprem_test

import (
	"context"
	"testing"

	"github.com/go-digitaltwin/go-testbackend/internal/dbtest"
)

func TestSpawn(t *testing.T) {
	env, db := dbtest.SetupExasol(t)

	var one int
	if err := db.QueryRowContext(context.Background(), "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("query database at %s: %v", env.DatabaseAddress(), err)
	}
	if one != 1 {
		t.Errorf("SELECT 1 = %d", one)
	}
	if env.BucketFSURL == "" || env.SSHPort == 0 {
		t.Errorf("Environment = %+v, want every port forwarded", env)
	}
}
