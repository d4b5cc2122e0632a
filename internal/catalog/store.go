// Package catalog holds product records read at cart and checkout time.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws"
)

// Product represents the item stored in the Products DynamoDB table.
type Product struct {
	ProductID   string    `dynamodbav:"product_id" json:"id" yaml:"id"` // PK
	Name        string    `dynamodbav:"name" json:"name" yaml:"name"`
	Description string    `dynamodbav:"description,omitempty" json:"description,omitempty" yaml:"description"`
	Price       float64   `dynamodbav:"price" json:"price" yaml:"price"`
	Category    string    `dynamodbav:"category,omitempty" json:"category,omitempty" yaml:"category"`
	Stock       int       `dynamodbav:"stock" json:"stock" yaml:"stock"`
	Image       string    `dynamodbav:"image,omitempty" json:"image,omitempty" yaml:"image"`
	UpdatedAt   time.Time `dynamodbav:"updated_at" json:"updatedAt" yaml:"-"`
}

// Store encapsulates operations on the products table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName, nowFunc: time.Now}
}

// Get fetches a product by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"product_id": &types.AttributeValueMemberS{Value: productID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// Put creates or replaces a product.
func (s *Store) Put(ctx context.Context, p *Product) error {
	if p.ProductID == "" {
		return fmt.Errorf("product id is required")
	}
	p.UpdatedAt = s.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// List scans every product.
func (s *Store) List(ctx context.Context) ([]Product, error) {
	var (
		result []Product
		start  map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{TableName: &s.tableName, ExclusiveStartKey: start})
		if err != nil {
			return nil, fmt.Errorf("scan products: %w", err)
		}
		page := make([]Product, 0, len(out.Items))
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal products: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return result, nil
		}
		start = out.LastEvaluatedKey
	}
}
