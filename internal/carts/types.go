// Package carts stores one shopping cart per user.
package carts

import "time"

// Item is one product line in a cart. Prices are never stored here.
type Item struct {
	ProductID string `dynamodbav:"product_id" json:"productId"`
	Quantity  int    `dynamodbav:"quantity" json:"quantity"`
}

// Cart represents the item stored in the Carts DynamoDB table.
type Cart struct {
	UserID    string    `dynamodbav:"user_id" json:"userId"` // PK
	Items     []Item    `dynamodbav:"items" json:"items"`
	Version   int64     `dynamodbav:"version" json:"version"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// Add increments an existing line or appends a new one.
func (c *Cart) Add(productID string, quantity int) {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity += quantity
			return
		}
	}
	c.Items = append(c.Items, Item{ProductID: productID, Quantity: quantity})
}

// Remove drops the line for productID and reports whether it was present.
func (c *Cart) Remove(productID string) bool {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Cart) Empty() bool { return len(c.Items) == 0 }
