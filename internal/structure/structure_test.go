package structure

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/source"
)

const ginMain = `package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	r := gin.Default()
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	_ = pgxpool.New
	r.Run()
}
`

func TestGoParser(t *testing.T) {
	facts, err := GoParser{}.Parse(context.Background(), "main.go", []byte(ginMain))
	require.NoError(t, err)

	assert.Equal(t, "main", facts.Package)
	assert.ElementsMatch(t, []string{"net/http", "github.com/gin-gonic/gin", "github.com/jackc/pgx/v5/pgxpool"}, facts.Imports)
	assert.True(t, facts.HasImport("github.com/jackc/pgx"))
	assert.True(t, facts.HasCall("gin.Default"))
	assert.True(t, facts.HasCall("r.GET"))
	assert.False(t, facts.HasCall("gin.New"))
}

func TestGoParserRejectsInvalidSource(t *testing.T) {
	_, err := GoParser{}.Parse(context.Background(), "bad.go", []byte("package main\nfunc {"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, detection.ErrParse))
}

func TestRegistryUnsupportedLanguage(t *testing.T) {
	r := DefaultRegistry()

	p, err := r.Lookup("Go")
	require.NoError(t, err)
	assert.Equal(t, "Go", p.Language())

	_, err = r.Lookup("Elixir")
	assert.True(t, errors.Is(err, ErrUnsupportedLanguage))
}

func TestIndexSkipsUnsupportedAndBrokenFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/main.go", []byte(ginMain), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/repo/broken.go", []byte("package x\nfunc {"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/repo/app.ex", []byte("defmodule App do end"), 0o644))

	tree, err := source.Open(fs, "/repo", source.Options{})
	require.NoError(t, err)

	facts := NewIndex(tree, DefaultRegistry()).Facts(context.Background())
	require.Len(t, facts, 1)
	assert.Equal(t, "main.go", facts[0].Path)
}

func TestHasImportMatchesWholePathSegments(t *testing.T) {
	facts := Facts{Imports: []string{"github.com/lib/pqx", "github.com/redis/go-redis/v9"}}
	assert.False(t, facts.HasImport("github.com/lib/pq"))
	assert.True(t, facts.HasImport("github.com/lib/pqx"))
	assert.True(t, facts.HasImport("github.com/redis/go-redis"))
	assert.False(t, facts.HasImport("github.com/redis/go"))
}

func TestIndexDoesNotCacheCancelledParse(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/main.go", []byte(ginMain), 0o644))
	tree, err := source.Open(fs, "/repo", source.Options{})
	require.NoError(t, err)
	ix := NewIndex(tree, DefaultRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, ix.Facts(ctx))

	facts := ix.Facts(context.Background())
	require.Len(t, facts, 1)
	assert.Equal(t, "main.go", facts[0].Path)
}
