package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/catalog"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML layout accepted by seed-products.
type catalogFile struct {
	Products []catalog.Product `yaml:"products"`
}

func seedProductsCmd() *cobra.Command {
	var file, table string
	cmd := &cobra.Command{
		Use:   "seed-products",
		Short: "Load products from a YAML file into the products table",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			products, err := parseCatalog(f)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			clients, err := aws.NewAWSClients(ctx)
			if err != nil {
				return err
			}
			n, err := seed(ctx, catalog.NewStore(clients.DynamoDB, table), products)
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d products into %s\n", n, len(products), table)
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Catalog YAML file")
	cmd.Flags().StringVar(&table, "table", os.Getenv("PRODUCTS_TABLE"), "Products table (default $PRODUCTS_TABLE)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func getOrderCmd() *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "get-order [id]",
		Short: "Print an order as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clients, err := aws.NewAWSClients(ctx)
			if err != nil {
				return err
			}
			order, err := orders.NewStore(clients.DynamoDB, table).Get(ctx, args[0])
			if err != nil {
				return err
			}
			if order == nil {
				return fmt.Errorf("order %s not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(order)
		},
	}

	cmd.Flags().StringVar(&table, "table", os.Getenv("ORDERS_TABLE"), "Orders table (default $ORDERS_TABLE)")
	return cmd
}

// parseCatalog decodes and checks a catalog file. All problems are reported at once.
func parseCatalog(r io.Reader) ([]catalog.Product, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cf catalogFile
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(cf.Products) == 0 {
		return nil, errors.New("catalog has no products")
	}

	var problems []string
	seen := map[string]bool{}
	for i, p := range cf.Products {
		switch {
		case strings.TrimSpace(p.ProductID) == "":
			problems = append(problems, fmt.Sprintf("products[%d]: id is required", i))
		case seen[p.ProductID]:
			problems = append(problems, fmt.Sprintf("products[%d]: duplicate id %s", i, p.ProductID))
		}
		seen[p.ProductID] = true
		if strings.TrimSpace(p.Name) == "" {
			problems = append(problems, fmt.Sprintf("products[%d]: name is required", i))
		}
		if p.Price < 0 {
			problems = append(problems, fmt.Sprintf("products[%d]: price must not be negative", i))
		}
		if p.Stock < 0 {
			problems = append(problems, fmt.Sprintf("products[%d]: stock must not be negative", i))
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid catalog:\n  %s", strings.Join(problems, "\n  "))
	}
	return cf.Products, nil
}

type productWriter interface {
	Put(ctx context.Context, p *catalog.Product) error
}

func seed(ctx context.Context, store productWriter, products []catalog.Product) (int, error) {
	for i := range products {
		if err := store.Put(ctx, &products[i]); err != nil {
			return i, fmt.Errorf("put product %s: %w", products[i].ProductID, err)
		}
	}
	return len(products), nil
}
