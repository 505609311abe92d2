package people

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	People []Person `yaml:"people"`
}

// Export writes the directory as YAML.
func (d *Directory) Export(ctx context.Context, w io.Writer) error {
	list, err := d.List(ctx)
	if err != nil {
		return err
	}
	if list == nil {
		list = []Person{}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(yamlDocument{People: list}); err != nil {
		return fmt.Errorf("failed to encode people: %w", err)
	}
	return enc.Close()
}

// Import reads YAML and adds every entry whose name is not already known.
// Imported entries always receive fresh ids. It returns the added people.
func (d *Directory) Import(ctx context.Context, r io.Reader) ([]Person, error) {
	var doc yamlDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode people: %w", err)
	}

	added := []Person{}
	for _, p := range doc.People {
		if _, found, err := d.FindByName(ctx, p.Name); err != nil {
			return added, err
		} else if found {
			continue
		}
		stored, err := d.Add(ctx, p)
		if err != nil {
			return added, fmt.Errorf("failed to import %q: %w", p.Name, err)
		}
		added = append(added, stored)
	}
	return added, nil
}
