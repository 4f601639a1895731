package services

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSV(t *testing.T) {
	refs, err := parseCSV(strings.NewReader("id,permalink\nabc,/r/x/abc\n,/r/x/empty\n"), importSources["saved_comments"])
	require.NoError(t, err)
	assert.Equal(t, []ref{{fullname: "t1_abc", category: common.CategorySaved}}, refs)
}

func TestParseCSV_Votes(t *testing.T) {
	in := "id,permalink,direction\na,/p/a,up\nb,/p/b,down\nc,/p/c,none\n"
	refs, err := parseCSV(strings.NewReader(in), importSources["post_votes"])
	require.NoError(t, err)
	assert.Equal(t, []ref{
		{fullname: "t3_a", category: common.CategoryUpvoted},
		{fullname: "t3_b", category: common.CategoryDownvoted},
	}, refs)
}

func TestParseCSV_MissingIDColumn(t *testing.T) {
	_, err := parseCSV(strings.NewReader("permalink\n/r/x\n"), importSources["posts"])
	assert.ErrorIs(t, err, errMissingIDColumn)
}

func TestParseCSV_Empty(t *testing.T) {
	refs, err := parseCSV(strings.NewReader(""), importSources["posts"])
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestParseImport(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	its := &fakeItemsRepo{}
	acc := &fakeAccount{info: []*models.Item{
		{ID: "t3_a", Type: common.TypePost, Content: "post a"},
		{ID: "t1_b", Type: common.TypeComment, Content: "comment b"},
	}}
	rm := &fakeRepoManager{ids: newFakeIdentities(&models.Identity{Username: "alice", RefreshToken: "rt"}), its: its}
	s := NewImportService(db, rm, NewIdentityService(db, rm, &fakeProvider{account: acc}))

	n, err := s.ParseImport(context.Background(), "alice", map[string]io.Reader{
		"saved_posts":    strings.NewReader("id,permalink\na,/a\n"),
		"saved_comments": strings.NewReader("id,permalink\nb,/b\n"),
		"hidden_posts":   strings.NewReader("id,permalink\na,/a\nmissing,/m\n"),
		"unrelated":      strings.NewReader("id\nz\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"t3_a", "t1_b", "t3_missing"}, acc.infoAsked)

	require.Len(t, its.stored, 3)
	cats := map[string]string{}
	for _, it := range its.stored {
		assert.Equal(t, "alice", it.Username)
		cats[it.Category+"/"+it.ID] = it.Content
	}
	assert.Equal(t, map[string]string{
		"saved/t3_a":  "post a",
		"saved/t1_b":  "comment b",
		"hidden/t3_a": "post a",
	}, cats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseImport_NothingToDo(t *testing.T) {
	db, _ := newSQLMockDB(t)
	acc := &fakeAccount{}
	rm := &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}
	s := NewImportService(db, rm, NewIdentityService(db, rm, &fakeProvider{account: acc}))

	n, err := s.ParseImport(context.Background(), "ghost", map[string]io.Reader{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, acc.infoAsked)
}

func TestParseImport_BadCSV(t *testing.T) {
	db, _ := newSQLMockDB(t)
	rm := &fakeRepoManager{ids: newFakeIdentities(), its: &fakeItemsRepo{}}
	s := NewImportService(db, rm, NewIdentityService(db, rm, &fakeProvider{}))

	_, err := s.ParseImport(context.Background(), "alice", map[string]io.Reader{
		"posts": strings.NewReader("title\nx\n"),
	})
	assert.ErrorIs(t, err, errMissingIDColumn)
}
