package station

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Type int

const (
	Public Type = iota
	Private
)

type Station struct {
	ID           uuid.UUID    `db:"id"`
	Name         string       `db:"name"`
	Address      string       `db:"address"`
	OpeningHours string       `db:"opening_hours"`
	Location     pgtype.Point `db:"location"`
	Type         Type         `db:"type"`

	ElectricCapacity int `db:"electric_capacity"`
	ManualCapacity   int `db:"manual_capacity"`
}

func (t Type) String() string {
	return [...]string{"public", "private"}[t]
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) Scan(i any) error {
	switch v := i.(type) {
	case string:
		switch v {
		case "public":
			*t = Public
			return nil
		case "private":
			*t = Private
			return nil
		}
	case []byte:
		return t.Scan(string(v))
	}
	return fmt.Errorf("invalid station type %v", i)
}
