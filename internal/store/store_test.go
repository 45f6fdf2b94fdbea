package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestNotFoundErrorMatching(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &NotFoundError{Kind: "account binding", Key: "17841"})
	if !IsNotFound(err) {
		t.Fatal("wrapped NotFoundError not detected")
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Key != "17841" {
		t.Fatalf("unexpected %v", nf)
	}
	if IsNotFound(errors.New("connection refused")) {
		t.Fatal("plain error reported as not found")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	body, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	if err != nil || len(body) == 0 {
		t.Fatalf("empty migration %s: %v", entries[0].Name(), err)
	}
}
