package roster

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"freeblock/internal/checkin"
	"freeblock/internal/schedule"
)

// FileSource reads the roster from a YAML file on every fetch, for
// development and for schools without an API:
//
//	schedule:
//	  - {block: A, start: "09:00"}
//	students:
//	  - {email: ada@school.org, id: "1001", name: Ada, blocks: AB, senior: true}
//
// The schedule list is optional; without it the weekly table applies.
type FileSource struct {
	Path string
}

type rosterFile struct {
	Schedule []struct {
		Block string `yaml:"block"`
		Start string `yaml:"start"`
	} `yaml:"schedule"`
	Students []struct {
		Email  string `yaml:"email"`
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Blocks string `yaml:"blocks"`
		Senior bool   `yaml:"senior"`
	} `yaml:"students"`
}

func (f FileSource) Fetch(ctx context.Context, _ time.Time) (Roster, error) {
	if err := ctx.Err(); err != nil {
		return Roster{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster file: %w", err)
	}
	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Roster{}, fmt.Errorf("parse roster file %s: %w", f.Path, err)
	}

	var out Roster
	for _, s := range doc.Schedule {
		b, err := schedule.ParseBlock(s.Block)
		if err != nil {
			return Roster{}, err
		}
		tod, err := schedule.ParseTimeOfDay(s.Start)
		if err != nil {
			return Roster{}, err
		}
		out.Schedule = append(out.Schedule, schedule.Entry{Block: b, Start: tod})
	}
	for _, s := range doc.Students {
		blocks, err := schedule.ParseBlockSet(s.Blocks)
		if err != nil {
			return Roster{}, fmt.Errorf("student %s: %w", s.Email, err)
		}
		out.Students = append(out.Students, checkin.Entry{
			Email:  checkin.CanonicalEmail(s.Email),
			ID:     s.ID,
			Name:   s.Name,
			Blocks: blocks,
			Senior: s.Senior,
		})
	}
	return out, nil
}
