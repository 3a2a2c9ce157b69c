//go:build postgres_integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"emdispatch/internal/model"
)

var testPG *Postgres

// TestMain uses DATABASE_URL when set, otherwise starts a throwaway Postgres container.
func TestMain(m *testing.M) {
	ctx := context.Background()
	dsn := os.Getenv("DATABASE_URL")
	var tc testcontainers.Container
	if dsn == "" {
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "emdispatch",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(90 * time.Second),
		}
		var err error
		tc, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
		if err != nil {
			fmt.Println("cannot start container:", err)
			os.Exit(1)
		}
		host, _ := tc.Host(ctx)
		port, _ := tc.MappedPort(ctx, "5432/tcp")
		dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/emdispatch?sslmode=disable", host, port.Port())
	}

	var err error
	testPG, err = NewPostgres(dsn)
	if err == nil {
		err = testPG.Migrate()
	}
	if err != nil {
		fmt.Println("postgres setup:", err)
		if tc != nil {
			_ = tc.Terminate(ctx)
		}
		os.Exit(1)
	}

	code := m.Run()
	_ = testPG.Close()
	if tc != nil {
		_ = tc.Terminate(ctx)
	}
	os.Exit(code)
}

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	if err := testPG.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	// second run is a no-op
	if err := testPG.Migrate(); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
}

func TestPostgresCaseCompareAndSwap(t *testing.T) {
	ctx := t.Context()
	c, err := testPG.CreateCase(ctx, model.EmergencyCase{Type: model.CaseFire, Priority: model.PriorityCritical, Status: model.CasePending, ReportedBy: "u1", Location: model.GeoPoint{Lat: 1, Lng: 2}})
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	next := c.Clone()
	next.Status = model.CaseAccepted
	next.Version = 2
	next.Assigned = &model.Assignment{ResponderID: "amb-1", Role: model.RoleAmbulance, AssignedAt: time.Now().UTC()}
	if err := testPG.UpdateCase(ctx, next, 1); err != nil {
		t.Fatalf("UpdateCase: %v", err)
	}
	if err := testPG.UpdateCase(ctx, next, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	got, err := testPG.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.Status != model.CaseAccepted || got.Assigned == nil || got.Assigned.ResponderID != "amb-1" {
		t.Fatalf("unexpected case %+v", got)
	}
	active, err := testPG.ListActiveCasesForResponder(ctx, "amb-1")
	if err != nil || len(active) == 0 {
		t.Fatalf("ListActiveCasesForResponder: %v %d", err, len(active))
	}
}

func TestPostgresResponderLocation(t *testing.T) {
	ctx := t.Context()
	if _, err := testPG.UpsertResponder(ctx, model.ResponderRecord{ID: "pol-int", Role: model.RolePolice, Status: "available"}); err != nil {
		t.Fatalf("UpsertResponder: %v", err)
	}
	ts := time.Now().UTC().Truncate(time.Millisecond)
	if err := testPG.UpdateResponderLocation(ctx, "pol-int", model.KnownLocation{Point: model.GeoPoint{Lat: 3, Lng: 4}, LastUpdated: ts}); err != nil {
		t.Fatalf("UpdateResponderLocation: %v", err)
	}
	r, err := testPG.UpsertResponder(ctx, model.ResponderRecord{ID: "pol-int", Role: model.RolePolice, Status: "busy"})
	if err != nil {
		t.Fatalf("UpsertResponder: %v", err)
	}
	if r.Lat == nil || *r.Lat != 3 {
		t.Fatalf("location lost on upsert: %+v", r)
	}
	if err := testPG.SetResponderStatus(ctx, "ghost", "busy"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPostgresClaimResponder(t *testing.T) {
	ctx := t.Context()
	if _, err := testPG.UpsertResponder(ctx, model.ResponderRecord{ID: "amb-claim", Role: model.RoleAmbulance, Status: "available"}); err != nil {
		t.Fatalf("UpsertResponder: %v", err)
	}
	free := []string{"available", "idle"}
	if err := testPG.ClaimResponder(ctx, "amb-claim", free, "busy"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := testPG.ClaimResponder(ctx, "amb-claim", free, "busy"); !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if err := testPG.ClaimResponder(ctx, "ghost", free, "busy"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
