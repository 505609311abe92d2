// Package people is the directory of known counterparties.
package people

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/harun/lunar/pkg/kvstore"
)

const (
	// Owner is the privileged local operator.
	Owner = "owner"
	// Everyone grants memory access to all requesters.
	Everyone = "*"
)

// ErrNotFound is returned when a person id is unknown.
var ErrNotFound = errors.New("person not found")

// Person is a known counterparty
type Person struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	ChannelAddress     string   `json:"channelAddress,omitempty" yaml:"channelAddress,omitempty"`
	Relation           string   `json:"relation" yaml:"relation"`
	Notes              string   `json:"notes,omitempty" yaml:"notes,omitempty"`
	MemoryAccessibleBy []string `json:"memoryAccessibleBy" yaml:"memoryAccessibleBy,omitempty"`
}

// AccessList returns who may read this person's memories, defaulting to the
// owner only.
func (p Person) AccessList() []string {
	if p.MemoryAccessibleBy == nil {
		return []string{Owner}
	}
	return p.MemoryAccessibleBy
}

// Allows reports whether requester appears in the access list.
func (p Person) Allows(requester string) bool {
	for _, id := range p.AccessList() {
		if id == Everyone || id == requester {
			return true
		}
	}
	return false
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Name               *string
	ChannelAddress     *string
	Relation           *string
	Notes              *string
	MemoryAccessibleBy *[]string
}

// Directory stores people as a single document.
type Directory struct {
	store kvstore.Store
	mu    sync.Mutex
}

// NewDirectory creates a directory backed by store.
func NewDirectory(store kvstore.Store) (*Directory, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	return &Directory{store: store}, nil
}

func (d *Directory) load(ctx context.Context) ([]Person, error) {
	var list []Person
	if _, err := d.store.Get(ctx, kvstore.KeyPeople, &list); err != nil {
		return nil, fmt.Errorf("failed to load people: %w", err)
	}
	return list, nil
}

func (d *Directory) save(ctx context.Context, list []Person) error {
	if list == nil {
		list = []Person{}
	}
	if err := d.store.Put(ctx, kvstore.KeyPeople, list); err != nil {
		return fmt.Errorf("failed to save people: %w", err)
	}
	return nil
}

// List returns all people in insertion order.
func (d *Directory) List(ctx context.Context) ([]Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(ctx)
}

// Get returns the person with id.
func (d *Directory) Get(ctx context.Context, id string) (Person, bool, error) {
	return d.find(ctx, func(p Person) bool { return p.ID == id })
}

// FindByAddress returns the person reachable at a channel address.
func (d *Directory) FindByAddress(ctx context.Context, address string) (Person, bool, error) {
	if address == "" {
		return Person{}, false, nil
	}
	return d.find(ctx, func(p Person) bool { return p.ChannelAddress == address })
}

// FindByName matches names case-insensitively.
func (d *Directory) FindByName(ctx context.Context, name string) (Person, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Person{}, false, nil
	}
	return d.find(ctx, func(p Person) bool { return strings.EqualFold(p.Name, name) })
}

func (d *Directory) find(ctx context.Context, match func(Person) bool) (Person, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list, err := d.load(ctx)
	if err != nil {
		return Person{}, false, err
	}
	for _, p := range list {
		if match(p) {
			return p, true, nil
		}
	}
	return Person{}, false, nil
}

// Add stores p under a freshly generated id.
func (d *Directory) Add(ctx context.Context, p Person) (Person, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Person{}, fmt.Errorf("person name is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	list, err := d.load(ctx)
	if err != nil {
		return Person{}, err
	}

	p.ID = uuid.New().String()
	list = append(list, p)
	if err := d.save(ctx, list); err != nil {
		return Person{}, err
	}
	return p, nil
}

// Update applies patch to the person with id.
func (d *Directory) Update(ctx context.Context, id string, patch Patch) (Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list, err := d.load(ctx)
	if err != nil {
		return Person{}, err
	}

	for i := range list {
		if list[i].ID != id {
			continue
		}
		p := &list[i]
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.ChannelAddress != nil {
			p.ChannelAddress = *patch.ChannelAddress
		}
		if patch.Relation != nil {
			p.Relation = *patch.Relation
		}
		if patch.Notes != nil {
			p.Notes = *patch.Notes
		}
		if patch.MemoryAccessibleBy != nil {
			p.MemoryAccessibleBy = *patch.MemoryAccessibleBy
		}
		if err := d.save(ctx, list); err != nil {
			return Person{}, err
		}
		return *p, nil
	}
	return Person{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete removes the person with id and reports whether it existed.
func (d *Directory) Delete(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list, err := d.load(ctx)
	if err != nil {
		return false, err
	}

	for i, p := range list {
		if p.ID == id {
			list = append(list[:i], list[i+1:]...)
			return true, d.save(ctx, list)
		}
	}
	return false, nil
}
