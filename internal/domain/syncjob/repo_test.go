package syncjob

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryRepo_ReturnedJobsDoNotAliasStoredMaps(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	j := &Job{
		ID:       uuid.New(),
		Status:   StatusQueued,
		Filters:  map[string]interface{}{"category": []interface{}{"vital-signs"}},
		Options:  map[string]interface{}{"export": map[string]interface{}{"type": "patient"}},
		Priority: PriorityNormal,
	}
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	j.Filters["category"] = "mutated"

	got, err := repo.GetByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.Filters["category"].([]interface{})[0] = "labs"
	got.Options["export"].(map[string]interface{})["type"] = "system"
	got.Options["extra"] = true

	stored, err := repo.GetByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c := stored.Filters["category"].([]interface{}); len(c) != 1 || c[0] != "vital-signs" {
		t.Errorf("filters changed through a returned job: %v", stored.Filters)
	}
	if stored.Options["export"].(map[string]interface{})["type"] != "patient" {
		t.Errorf("options changed through a returned job: %v", stored.Options)
	}
	if _, ok := stored.Options["extra"]; ok {
		t.Error("option added through a returned job")
	}
}
