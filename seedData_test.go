package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedProducts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	input := `Sourdough;Slow-fermented loaf;5.40;12;bakery;https://img.example/sourdough.png

Oat milk; Barista edition ;2.10;40;dairy
`
	n, err := SeedProducts(ctx, store, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	products, err := store.ListProducts(ctx, ProductFilter{})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Sourdough", products[0].Name)
	assert.Equal(t, "5.4", products[0].Price.String())
	assert.Equal(t, "https://img.example/sourdough.png", products[0].ImageURL)
	assert.Equal(t, "Barista edition", products[1].Description)
	assert.Equal(t, 40, products[1].Stock)
	assert.Empty(t, products[1].ImageURL)
}

func TestSeedProductsRejectsBadLines(t *testing.T) {
	for name, tt := range map[string]struct {
		input string
		err   string
	}{
		"few fields":     {"Bread;1.00;2", "line 1"},
		"bad price":      {"Bread;x;abc;1;bakery", "price"},
		"negative price": {"Bread;x;-1;1;bakery", "negative"},
		"bad stock":      {"Bread;x;1.00;lots;bakery", "stock"},
		"no name":        {"Ok;x;1;1;c\n;x;1;1;c", "line 2"},
	} {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			_, err := SeedProducts(context.Background(), store, strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)

			products, err := store.ListProducts(context.Background(), ProductFilter{})
			require.NoError(t, err)
			assert.Empty(t, products)
		})
	}
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.txt")
	require.NoError(t, os.WriteFile(path, []byte("Tea;Green;3.00;8;drinks\n"), 0o600))

	n, err := SeedFile(context.Background(), NewMemoryStore(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = SeedFile(context.Background(), NewMemoryStore(), filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
