package dberr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestKindInference(t *testing.T) {
	cases := map[string]Kind{
		CodeValidation:     KindValidation,
		CodeNotFound:       KindNotFound,
		CodeSessionExpired: KindState,
		CodeDuplicateKey:   KindConflict,
		CodeQueryTimeout:   KindTimeout,
		CodeInsert:         KindStorage,
		CodeTokenSign:      KindStorage,
	}
	for code, want := range cases {
		if got := New(code, "x").Kind; got != want {
			t.Fatalf("kind of %s = %v, want %v", code, got, want)
		}
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeNotFound, "missing"))
	if !errors.Is(err, New(CodeNotFound, "")) {
		t.Fatalf("expected code match through wrapping")
	}
	if errors.Is(err, New(CodeInsert, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestCodeOfAndPredicates(t *testing.T) {
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no code")
	}
	if !IsNotFound(New(CodeSessionNotFound, "")) {
		t.Fatalf("session not found is a not-found kind")
	}
	if !IsConflict(New(CodeDuplicateKey, "")) {
		t.Fatalf("duplicate key is a conflict")
	}
	if !IsTimeout(New(CodeQueryTimeout, "")) {
		t.Fatalf("query timeout is a timeout")
	}
}

func TestWithDetail(t *testing.T) {
	e := New(CodeValidation, "bad").WithDetail("field", "path")
	if e.Details["field"] != "path" {
		t.Fatalf("detail not recorded")
	}
}

func TestFromMongo(t *testing.T) {
	if FromMongo(CodeFindOne, nil) != nil {
		t.Fatalf("nil passes through")
	}
	if got := FromMongo(CodeFindOne, mongo.ErrNoDocuments); got.Code != CodeNotFound {
		t.Fatalf("no documents should map to NOT_FOUND, got %s", got.Code)
	}
	if got := FromMongo(CodeFindMany, context.DeadlineExceeded); got.Code != CodeQueryTimeout {
		t.Fatalf("deadline should map to QUERY_TIMEOUT, got %s", got.Code)
	}
	if got := FromMongo(CodeInsert, errors.New("boom")); got.Code != CodeInsert {
		t.Fatalf("unknown errors keep the operation code, got %s", got.Code)
	}
	// already-typed errors pass through untouched
	typed := New(CodeSessionExpired, "gone")
	if got := FromMongo(CodeFindOne, typed); got != typed {
		t.Fatalf("typed error should pass through")
	}
}
