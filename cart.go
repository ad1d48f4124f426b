package main

import "github.com/shopspring/decimal"

type CartItem struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

type CartView struct {
	Items []CartItem      `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// Cart keeps at most one line per product, in first-added order. Quantities
// are always positive. Cart is not safe for concurrent use; Session guards it.
type Cart struct {
	items []CartItem
}

func (c *Cart) Add(p Product) {
	for i := range c.items {
		if c.items[i].Product.ID == p.ID {
			c.items[i].Quantity++
			return
		}
	}
	c.items = append(c.items, CartItem{Product: p, Quantity: 1})
}

func (c *Cart) Remove(productID int) {
	for i := range c.items {
		if c.items[i].Product.ID == productID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// UpdateQuantity sets the quantity of an existing line. A quantity of zero or
// less removes the line; unknown products are ignored.
func (c *Cart) UpdateQuantity(productID, quantity int) {
	if quantity <= 0 {
		c.Remove(productID)
		return
	}
	for i := range c.items {
		if c.items[i].Product.ID == productID {
			c.items[i].Quantity = quantity
			return
		}
	}
}

func (c *Cart) Clear() {
	c.items = nil
}

// Items returns a copy of the lines.
func (c *Cart) Items() []CartItem {
	out := make([]CartItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Cart) Len() int {
	return len(c.items)
}

// Total is the sum of price*quantity over all lines, computed on each call.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.items {
		total = total.Add(decimal.NewFromFloat(item.Product.Price).Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Lines snapshots the cart for an order, pricing each line at the current
// unit price.
func (c *Cart) Lines() []OrderLine {
	lines := make([]OrderLine, 0, len(c.items))
	for _, item := range c.items {
		lines = append(lines, OrderLine{
			ProductID: item.Product.ID,
			Quantity:  item.Quantity,
			Price:     item.Product.Price,
		})
	}
	return lines
}
