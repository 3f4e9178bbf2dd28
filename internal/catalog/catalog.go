// Package catalog хранит неизменяемый справочник столов и позиций меню.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

// DefaultTableCount — количество столов по умолчанию (ID 1..4999).
const DefaultTableCount = 4999

// MaxTableCount — верхняя граница, которую вмещает domain.TableID.
const MaxTableCount = math.MaxUint16

var (
	// ErrTableCountInvalid — количество столов вне диапазона [1, 65535].
	ErrTableCountInvalid = errors.New("table count must be within [1, 65535]")
	// ErrMenuEmpty — каталог без единой позиции меню.
	ErrMenuEmpty = errors.New("menu must contain at least one item")
	// ErrMenuNameInvalid — пустое или повторяющееся название позиции.
	ErrMenuNameInvalid = errors.New("menu item name is invalid")
)

// DefaultMenu — стартовое меню кухни. ID позиции равен её индексу + 1.
var DefaultMenu = []string{
	"Tuna",
	"Lean Tuna",
	"Albacore Tune",
	"Seared Bonito",
	"Salmon",
	"Onion Salmon",
	"Broiled Fatty Salmon",
	"Broiled Fatty Salmon Radish",
	"Broiled Salmon w/ Basil Sauce",
	"Spicy Salmon & Fried Leek",
	"Salmon Basil Mozarella",
	"Young Yellowtail",
	"Pickled Yellowtail",
	"Flounder Fin",
	"Grilled Mackerel",
	"Grilled Herring Sushi",
	"Seabream",
	"Boiled Shrimp",
	"Shrimp w/ Cheese",
	"Shrimp w/ Avocado",
	"Fresh Shrimp",
	"Sweet Shrimp",
	"Abalone",
	"Black Mirugai Clam",
	"Extra Large Scallop",
	"Squid",
	"Cuttlefish",
	"Squid Ume Plum & Shiso",
	"Boiled Octopus",
	"Grilled Eel",
	"Cooked Conger Eel",
	"Premium Grill Conger Eel",
	"Japanese Egg Omelet",
	"Kalbe Beef w/ Salt",
	"Seared Wagyu Beef",
	"Imitaion Crab Meat Tempura",
}

// Catalog — снимок справочника. После создания не меняется,
// поэтому безопасен для одновременного чтения без блокировок.
type Catalog struct {
	tableCount int
	menus      []domain.MenuItem
	menuByID   map[domain.MenuID]string
}

// New строит каталог из tableCount столов и списка названий меню.
func New(tableCount int, menuNames []string) (*Catalog, error) {
	if tableCount < 1 || tableCount > MaxTableCount {
		return nil, fmt.Errorf("%w: %d", ErrTableCountInvalid, tableCount)
	}
	if len(menuNames) == 0 {
		return nil, ErrMenuEmpty
	}
	if len(menuNames) > math.MaxUint16 {
		return nil, fmt.Errorf("menu is too large: %d items", len(menuNames))
	}

	c := &Catalog{
		tableCount: tableCount,
		menus:      make([]domain.MenuItem, 0, len(menuNames)),
		menuByID:   make(map[domain.MenuID]string, len(menuNames)),
	}
	seen := make(map[string]struct{}, len(menuNames))
	for i, name := range menuNames {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty name at position %d", ErrMenuNameInvalid, i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate %q", ErrMenuNameInvalid, name)
		}
		seen[name] = struct{}{}

		id := domain.MenuID(i + 1)
		c.menus = append(c.menus, domain.MenuItem{ID: id, Name: name})
		c.menuByID[id] = name
	}
	return c, nil
}

// Default возвращает каталог с DefaultTableCount столами и DefaultMenu.
func Default() *Catalog {
	c, err := New(DefaultTableCount, DefaultMenu)
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return c
}

// IsValidTable сообщает, существует ли стол.
func (c *Catalog) IsValidTable(id domain.TableID) bool {
	return id >= 1 && int(id) <= c.tableCount
}

// IsValidMenu сообщает, существует ли позиция меню.
func (c *Catalog) IsValidMenu(id domain.MenuID) bool {
	_, ok := c.menuByID[id]
	return ok
}

// ListMenus возвращает копию меню по возрастанию ID.
func (c *Catalog) ListMenus() []domain.MenuItem {
	out := make([]domain.MenuItem, len(c.menus))
	copy(out, c.menus)
	return out
}

// TableCount возвращает количество столов.
func (c *Catalog) TableCount() int {
	return c.tableCount
}

// Tables возвращает все ID столов по возрастанию. Используется для заполнения внешних хранилищ.
func (c *Catalog) Tables() []domain.TableID {
	out := make([]domain.TableID, 0, c.tableCount)
	for id := 1; id <= c.tableCount; id++ {
		out = append(out, domain.TableID(id))
	}
	return out
}

var _ domain.Catalog = (*Catalog)(nil)
