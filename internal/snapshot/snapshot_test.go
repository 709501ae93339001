package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blab/internal/db"
	"blab/internal/domain"
	"blab/internal/migrate"
	"blab/internal/plan"
	"blab/internal/repo"
)

func intPtr(n int) *int { return &n }

func fixture() State {
	return New(
		[]domain.Item{
			{ID: "i2", Name: "示波器", Status: "borrowed", Visibility: "public", Locations: []string{"B204"}, CreatedAt: "2024-02-01T00:00:00Z"},
			{ID: "i1", Name: "示波器", Status: "normal", Visibility: "public", Locations: []string{"B203"}, CreatedAt: "2024-01-01T00:00:00Z"},
			{ID: "i3", Name: "Probe", Status: "normal", Visibility: "private", Quantity: intPtr(4), ResponsibleMembers: []string{"Ben"}},
		},
		[]domain.Location{{ID: "l1", Name: "B203", Status: "normal"}},
		[]domain.Event{{ID: "e1", Title: "组会", StartTime: "2024-05-01 10:00", Participants: []string{"Ben", "Amy"}}},
		[]domain.Member{
			{ID: "m2", Name: "Ben", Username: "ben", Status: "active"},
			{ID: "m1", Name: "Amy", Username: "amy", Status: "active"},
		},
	)
}

func TestNewSortsDeterministically(t *testing.T) {
	s := fixture()
	var ids []string
	for _, it := range s.Items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"i3", "i1", "i2"}, ids)
	assert.Equal(t, "Amy", s.Members[0].Name)
}

func TestContext(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	got := fixture().Context(now, "BEN")
	want := Context{
		Timestamp:         "2024-05-01T09:30:00Z",
		CurrentMemberName: "Ben",
		ItemNames:         []string{"Probe", "示波器", "示波器"},
		LocationNames:     []string{"B203"},
		EventTitles:       []string{"组会"},
		Members:           []MemberRef{{Name: "Amy", Username: "amy"}, {Name: "Ben", Username: "ben"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("context mismatch (-want +got):\n%s", diff)
	}

	empty := New(nil, nil, nil, nil).Context(now, "ghost")
	assert.Empty(t, empty.CurrentMemberName)
	assert.NotNil(t, empty.ItemNames)
}

func TestItemRecord(t *testing.T) {
	rec, ok := fixture().ByID(plan.EntityItem, "i3")
	require.True(t, ok)
	assert.Equal(t, "4", rec.Fields["quantity"])
	assert.Equal(t, "", rec.Fields["value"])
	assert.Equal(t, "Ben", rec.Fields["responsible_members"])
	assert.Equal(t, "private", rec.Fields["visibility"])
}

func TestCandidatesCarryDescriptors(t *testing.T) {
	cands := fixture().Candidates(plan.EntityItem)
	require.Len(t, cands, 3)
	assert.Equal(t, "i1", cands[1].ID)
	assert.Contains(t, cands[1].Descriptors, "B203")
	assert.Contains(t, cands[2].Descriptors, "borrowed")
}

func TestFindAndNamed(t *testing.T) {
	s := fixture()
	assert.Equal(t, 2, s.Count(plan.EntityItem, "示波器"))
	assert.Len(t, s.Named(plan.EntityMember, "ben"), 1)
	assert.Len(t, s.Find(plan.EntityItem, "示波", 0), 2)
	assert.Len(t, s.Find(plan.EntityItem, "", 2), 2)
	assert.Len(t, s.Find(plan.EntityMember, "amy", 0), 1)
	assert.Empty(t, s.Find(plan.EntityLocation, "B999", 0))
}

func TestLoadFromStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(conn)
	require.NoError(t, err)

	s, err := Load(context.Background(), repo.Repo{DB: conn})
	require.NoError(t, err)
	assert.Empty(t, s.Items)
	assert.Empty(t, s.Members)
}
