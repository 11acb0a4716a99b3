package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// SeedFile loads the catalog file at fileName. See SeedProducts.
func SeedFile(ctx context.Context, store Storage, fileName string) (int, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return SeedProducts(ctx, store, f)
}

// SeedProducts inserts one product per line of
//
//	name;description;price;stock;category[;image_url]
//
// in a single transaction. Blank lines are skipped; any malformed line
// aborts the whole load.
func SeedProducts(ctx context.Context, store Storage, r io.Reader) (int, error) {
	var products []Product
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p, err := parseSeedLine(line)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", n, err)
		}
		products = append(products, p)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	err := store.Tx(ctx, func(q Queries) error {
		for _, p := range products {
			if _, err := q.CreateProduct(ctx, p); err != nil {
				return fmt.Errorf("insert %q: %w", p.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(products), nil
}

func parseSeedLine(line string) (Product, error) {
	strs := strings.Split(line, ";")
	if len(strs) != 5 && len(strs) != 6 {
		return Product{}, fmt.Errorf("want 5 or 6 fields, got %d", len(strs))
	}
	for i := range strs {
		strs[i] = strings.TrimSpace(strs[i])
	}
	if strs[0] == "" {
		return Product{}, fmt.Errorf("missing name")
	}
	price, err := decimal.NewFromString(strs[2])
	if err != nil {
		return Product{}, fmt.Errorf("price %q: %w", strs[2], err)
	}
	if price.IsNegative() {
		return Product{}, fmt.Errorf("price %q is negative", strs[2])
	}
	stock, err := strconv.Atoi(strs[3])
	if err != nil {
		return Product{}, fmt.Errorf("stock %q: %w", strs[3], err)
	}

	p := Product{
		ID:          newID(),
		Name:        strs[0],
		Description: strs[1],
		Price:       price,
		Stock:       stock,
		Category:    strs[4],
	}
	if len(strs) == 6 {
		p.ImageURL = strs[5]
	}
	return p, nil
}
