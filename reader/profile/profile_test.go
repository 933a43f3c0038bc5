package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfile_AddInsightDedups(t *testing.T) {
	p := New(Snapshot{})
	assert.True(t, p.AddInsight("knows PyTorch"))
	assert.False(t, p.AddInsight("knows PyTorch"))
	assert.False(t, p.AddInsight("  knows PyTorch "))
	assert.False(t, p.AddInsight("   "))
	assert.True(t, p.AddInsight("new to diffusion models"))

	assert.Equal(t, []string{"knows PyTorch", "new to diffusion models"}, p.Snapshot().Insights)
}

func TestProfile_Summary(t *testing.T) {
	assert.Empty(t, New(Snapshot{}).Summary())

	p := New(Snapshot{Name: "Sam", Insights: []string{"likes math", "likes math", "reads fast"}})
	assert.Equal(t, "**Name**: Sam\n**Key Insights**: likes math, reads fast", p.Summary())

	p.SetName("")
	assert.Equal(t, "**Key Insights**: likes math, reads fast", p.Summary())
}

func TestProfile_SnapshotIsCopy(t *testing.T) {
	p := New(Snapshot{Insights: []string{"a"}})
	s := p.Snapshot()
	s.Insights[0] = "changed"
	assert.Equal(t, []string{"a"}, p.Snapshot().Insights)
}

func TestProfile_AddAndSave(t *testing.T) {
	p := New(Snapshot{Name: "Sam"})
	var saved []Snapshot
	save := func(ctx context.Context, s Snapshot) error {
		saved = append(saved, s)
		return nil
	}

	added, err := p.AddAndSave(context.Background(), "likes math", save)
	assert.NoError(t, err)
	assert.True(t, added)

	added, err = p.AddAndSave(context.Background(), "likes math", save)
	assert.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, saved, 1)

	failed := errors.New("disk full")
	added, err = p.AddAndSave(context.Background(), "reads fast", func(context.Context, Snapshot) error { return failed })
	assert.ErrorIs(t, err, failed)
	assert.True(t, added)
	assert.Equal(t, []string{"likes math", "reads fast"}, p.Snapshot().Insights)

	added, err = p.AddAndSave(context.Background(), "writes go", nil)
	assert.NoError(t, err)
	assert.True(t, added)
}
