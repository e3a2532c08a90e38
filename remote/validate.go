// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"strings"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// Catalog payloads are checked before they can reach the local store.

func validateChannels(channels []kiosk.Channel) error {
	seen := make(map[int64]struct{}, len(channels))
	for i, c := range channels {
		if c.ID <= 0 {
			return fmt.Errorf("channels[%d]: invalid id %d", i, c.ID)
		}
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("channel %d: empty name", c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("channel %d: duplicate id", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func validateCategories(channelID int64, categories []kiosk.Category) error {
	seen := make(map[int64]struct{}, len(categories))
	for i, c := range categories {
		if c.ID <= 0 {
			return fmt.Errorf("categories[%d]: invalid id %d", i, c.ID)
		}
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("category %d: empty name", c.ID)
		}
		if c.ChannelID != 0 && c.ChannelID != channelID {
			return fmt.Errorf("category %d: belongs to channel %d, requested %d", c.ID, c.ChannelID, channelID)
		}
		if c.ProductsCount < 0 {
			return fmt.Errorf("category %d: negative products_count", c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("category %d: duplicate id", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func validateProducts(categoryID int64, products []kiosk.Product) error {
	seen := make(map[int64]struct{}, len(products))
	for i, p := range products {
		if p.ID <= 0 {
			return fmt.Errorf("products[%d]: invalid id %d", i, p.ID)
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("product %d: empty name", p.ID)
		}
		if p.CategoryID != 0 && p.CategoryID != categoryID {
			return fmt.Errorf("product %d: belongs to category %d, requested %d", p.ID, p.CategoryID, categoryID)
		}
		if p.Price.IsNegative() {
			return fmt.Errorf("product %d: negative price", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("product %d: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

func validateInventory(status *kiosk.InventoryStatus) error {
	seen := make(map[int]struct{}, len(status.Slots))
	for i, slot := range status.Slots {
		if slot.SlotNumber <= 0 {
			return fmt.Errorf("slots[%d]: invalid slot number %d", i, slot.SlotNumber)
		}
		if slot.CurrentStock < 0 {
			return fmt.Errorf("slot %d: negative stock %d", slot.SlotNumber, slot.CurrentStock)
		}
		if _, dup := seen[slot.SlotNumber]; dup {
			return fmt.Errorf("slot %d: duplicate slot", slot.SlotNumber)
		}
		seen[slot.SlotNumber] = struct{}{}
	}
	return nil
}
