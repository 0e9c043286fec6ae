package room

import (
	"errors"
	"fmt"
)

var ErrInvalidPath = errors.New("invalid path")

// Tools a path can be drawn with. The set is open; unknown tools are kept as-is.
const (
	ToolBrush  = "brush"
	ToolEraser = "eraser"
)

// A single pointer sample
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"pressure"`
}

// An immutable committed stroke
type Path struct {
	ID       string  `json:"id"`
	Points   []Point `json:"points"`
	Color    string  `json:"color"`
	Width    float64 `json:"width"`
	Tool     string  `json:"tool"`
	AuthorID string  `json:"userId"`
}

// Checks the structural requirements for committing a path
func (p Path) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPath)
	}
	if len(p.Points) == 0 {
		return fmt.Errorf("%w: path %s has no points", ErrInvalidPath, p.ID)
	}
	if p.Width < 0 {
		return fmt.Errorf("%w: path %s has negative width", ErrInvalidPath, p.ID)
	}
	return nil
}

// Returns a deep copy so callers can never alias the log's point slices
func (p Path) Clone() Path {
	points := make([]Point, len(p.Points))
	copy(points, p.Points)
	p.Points = points
	return p
}
