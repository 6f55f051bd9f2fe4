package namespace

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joakimbrandstrom/OPC-UA-Sim/dataset"
)

func mustParse(t *testing.T, csv string) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Parse("test.csv", strings.NewReader(csv), "siteTime")
	require.NoError(t, err)
	return ds
}

func TestBuildExcludesTimeColumn(t *testing.T) {
	ds := mustParse(t, "SiteTime,rpm,gear\n10:00,900,N\n10:01,1200,1\n")

	plan := Build(ds)
	require.Len(t, plan, 2)
	assert.Equal(t, []string{"rpm", "gear"}, plan.Names())
	assert.Equal(t, Variable{Name: "rpm", Initial: int64(900), Type: dataset.TypeInt}, plan[0])
	assert.Equal(t, Variable{Name: "gear", Initial: "N", Type: dataset.TypeString}, plan[1])
}

func TestBuildEmptyDatasetUsesZeroInitials(t *testing.T) {
	ds := mustParse(t, "siteTime,a\n")

	plan := Build(ds)
	require.Len(t, plan, 1)
	assert.Equal(t, float64(0), plan[0].Initial)
}

func TestDiffSharedColumnsSurvive(t *testing.T) {
	oldDS := mustParse(t, "siteTime,rpm,gear\n10:00,900,N\n")
	newDS := mustParse(t, "siteTime,rpm,speed\n10:00,1500,42.5\n")

	toRemove, toAdd := Diff(Build(oldDS), Build(newDS))

	assert.Equal(t, []string{"gear"}, toRemove)
	require.Len(t, toAdd, 1)
	assert.Equal(t, "speed", toAdd[0].Name)
	assert.Equal(t, 42.5, toAdd[0].Initial)
}

func TestDiffIdenticalPlansIsEmpty(t *testing.T) {
	ds := mustParse(t, "siteTime,a,b\n10:00,1,2\n")
	plan := Build(ds)

	toRemove, toAdd := Diff(plan, plan)
	assert.Empty(t, toRemove)
	assert.Empty(t, toAdd)
}

func TestDiffFromNothing(t *testing.T) {
	ds := mustParse(t, "siteTime,a\n10:00,1\n")

	toRemove, toAdd := Diff(nil, Build(ds))
	assert.Empty(t, toRemove)
	require.Len(t, toAdd, 1)
	assert.Equal(t, "a", toAdd[0].Name)
}

func TestDiffToNothing(t *testing.T) {
	ds := mustParse(t, "siteTime,a,b\n10:00,1,2\n")

	toRemove, toAdd := Diff(Build(ds), nil)
	assert.Equal(t, []string{"a", "b"}, toRemove)
	assert.Empty(t, toAdd)
}
