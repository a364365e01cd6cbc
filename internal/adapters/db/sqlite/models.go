package sqlite

import (
	"time"

	"gorm.io/datatypes"
)

type CardModel struct {
	ID             string         `gorm:"primaryKey"`
	Name           string         `gorm:"not null;index"`
	Kind           string         `gorm:"not null;index"`
	LifecyclePhase string         `gorm:"not null;default:'discovery'"`
	Attributes     datatypes.JSON `gorm:"not null"`
	Tags           datatypes.JSON `gorm:"not null"`
	OwnerID        *string
	Status         string `gorm:"not null;default:'active';index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CardModel) TableName() string { return "cards" }

type RelationshipModel struct {
	ID         string `gorm:"primaryKey"`
	FromCardID string `gorm:"not null;index"`
	ToCardID   string `gorm:"not null;index"`
	Kind       string `gorm:"not null;index"`
	ValidFrom  time.Time
	ValidTo    *time.Time
	Attributes datatypes.JSON `gorm:"not null"`
	Confidence *float64
	Status     string `gorm:"not null;default:'active'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (RelationshipModel) TableName() string { return "relationships" }

type NodeModel struct {
	ID             string         `gorm:"primaryKey"`
	Name           string         `gorm:"not null"`
	Kind           string         `gorm:"not null;index"`
	LifecyclePhase string         `gorm:"not null"`
	Status         string         `gorm:"not null;default:'active'"`
	Attributes     datatypes.JSON `gorm:"not null"`
}

func (NodeModel) TableName() string { return "nodes" }

type EdgeModel struct {
	ID         string `gorm:"primaryKey"`
	FromID     string `gorm:"not null;index"`
	ToID       string `gorm:"not null;index"`
	Kind       string `gorm:"not null"`
	ValidFrom  time.Time
	ValidTo    *time.Time
	Confidence *float64
}

func (EdgeModel) TableName() string { return "edges" }
