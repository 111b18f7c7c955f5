package config

import (
	"fmt"

	"billingsync/internal/models"

	"github.com/BurntSushi/toml"
)

// PlansFile is the on-disk plan catalog used to seed a fresh database
type PlansFile struct {
	Plans []models.Plan `toml:"plan"`
}

// LoadPlansFile loads plan definitions from a TOML file
func LoadPlansFile(filename string) (*PlansFile, error) {
	file := &PlansFile{}
	_, err := toml.DecodeFile(filename, file)
	if err != nil {
		return nil, fmt.Errorf("failed to load plans file: %w", err)
	}
	for i, p := range file.Plans {
		if p.Name == "" {
			return nil, fmt.Errorf("plan %d: name is required", i)
		}
		if p.DurationMonths <= 0 {
			file.Plans[i].DurationMonths = 1
		}
		if p.Currency == "" {
			file.Plans[i].Currency = "usd"
		}
	}
	return file, nil
}
